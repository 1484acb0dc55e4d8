package log

import (
	"reflect"
	"strings"

	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

type jsonRecord struct {
	line   string
	fields map[string]any
}

// CompareJSONMessages checks that each expected JSON line matches some actual line, in the same order.
// Actual lines may contain extra records and extra fields. String values are wildcards, e.g. "%s".
func CompareJSONMessages(expected string, actual string) error {
	expectedRecords, err := parseJSONLines(expected)
	if err != nil {
		return errors.Wrap(err, "invalid expected logs")
	}
	actualRecords, err := parseJSONLines(actual)
	if err != nil {
		return errors.Wrap(err, "invalid actual logs")
	}

	next := 0
	for _, exp := range expectedRecords {
		found := false
		for next < len(actualRecords) {
			candidate := actualRecords[next]
			next++
			if recordMatches(exp, candidate) {
				found = true
				break
			}
		}
		if !found {
			lines := make([]string, 0, len(actualRecords))
			for _, r := range actualRecords {
				lines = append(lines, r.line)
			}
			return errors.Errorf("log record not found:\n%s\nactual logs:\n%s", exp.line, strings.Join(lines, "\n"))
		}
	}
	return nil
}

// AssertJSONMessages is the testify variant of CompareJSONMessages.
func AssertJSONMessages(t assert.TestingT, expected string, actual string, msgAndArgs ...any) bool {
	if err := CompareJSONMessages(expected, actual); err != nil {
		return assert.Fail(t, err.Error(), msgAndArgs...)
	}
	return true
}

func parseJSONLines(str string) (out []jsonRecord, err error) {
	for _, line := range strings.Split(str, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := jsonRecord{line: line}
		if err := json.DecodeString(line, &r.fields); err != nil {
			return nil, errors.Wrapf(err, "line %q", line)
		}
		out = append(out, r)
	}
	return out, nil
}

func recordMatches(expected, actual jsonRecord) bool {
	for key, value := range expected.fields {
		actualValue, ok := actual.fields[key]
		if !ok {
			return false
		}
		if str, ok := value.(string); ok {
			actualStr, ok := actualValue.(string)
			if !ok || wildcards.Compare(str, actualStr) != nil {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(value, actualValue) {
			return false
		}
	}
	return true
}
