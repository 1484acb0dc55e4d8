package livestats

import (
	"fmt"

	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

// Stats of a project or a freelancer profile.
type Stats struct {
	ViewCount         int `json:"viewCount"`
	CurrentViewers    int `json:"currentViewers"`
	ApplicationsCount int `json:"applicationsCount"`
	BookmarkCount     int `json:"bookmarkCount"`
	InquiryCount      int `json:"inquiryCount"`
}

// Patch is a partial update, nil fields are not modified.
type Patch struct {
	ViewCount         *int `json:"viewCount,omitempty"`
	CurrentViewers    *int `json:"currentViewers,omitempty"`
	ApplicationsCount *int `json:"applicationsCount,omitempty"`
	BookmarkCount     *int `json:"bookmarkCount,omitempty"`
	InquiryCount      *int `json:"inquiryCount,omitempty"`
}

// Apply shallow merges the patch, the viewers floor is not applied here.
func (s Stats) Apply(p Patch) Stats {
	if p.ViewCount != nil {
		s.ViewCount = *p.ViewCount
	}
	if p.CurrentViewers != nil {
		s.CurrentViewers = *p.CurrentViewers
	}
	if p.ApplicationsCount != nil {
		s.ApplicationsCount = *p.ApplicationsCount
	}
	if p.BookmarkCount != nil {
		s.BookmarkCount = *p.BookmarkCount
	}
	if p.InquiryCount != nil {
		s.InquiryCount = *p.InquiryCount
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"views=%d viewers=%d applications=%d bookmarks=%d inquiries=%d",
		s.ViewCount, s.CurrentViewers, s.ApplicationsCount, s.BookmarkCount, s.InquiryCount,
	)
}

// withFloor ensures at least one viewer, the current user.
func (s Stats) withFloor() Stats {
	s.CurrentViewers = max(1, s.CurrentViewers)
	return s
}

type targetKind int

const (
	projectTarget targetKind = iota
	freelancerTarget
)

// Target is the entity the stats belong to.
type Target struct {
	kind targetKind
	id   string
}

func Project(id string) Target {
	return Target{kind: projectTarget, id: id}
}

func Freelancer(id string) Target {
	return Target{kind: freelancerTarget, id: id}
}

func (t Target) ID() string {
	return t.id
}

func (t Target) String() string {
	switch t.kind {
	case projectTarget:
		return "project:" + t.id
	case freelancerTarget:
		return "freelancer:" + t.id
	default:
		panic(errors.Errorf(`unexpected target kind "%d"`, t.kind))
	}
}
