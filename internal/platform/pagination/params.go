package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pvhao2002/Pharmacy/internal/domain"
)

const dateLayout = "2006-01-02"

// ParamError reports a malformed query parameter.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// Page reads the zero based "page" and "size" parameters. Absent values stay zero so the
// service applies its defaults; range checks are left to the service as well.
func Page(values url.Values) (domain.Page, error) {
	number, err := intParam(values, "page")
	if err != nil {
		return domain.Page{}, err
	}
	size, err := intParam(values, "size")
	if err != nil {
		return domain.Page{}, err
	}
	return domain.Page{Number: number, Size: size}, nil
}

// Statuses accepts both repeated and comma separated "status" values.
func Statuses(values url.Values) ([]domain.OrderStatus, error) {
	var out []domain.OrderStatus
	for _, raw := range values["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := domain.OrderStatus(part)
			if !status.Valid() {
				return nil, &ParamError{Param: "status", Reason: fmt.Sprintf("unknown order status %q", part)}
			}
			out = append(out, status)
		}
	}
	return out, nil
}

// DateRange reads "from" and "to" as RFC 3339 timestamps or calendar dates. A calendar "to"
// covers the whole day.
func DateRange(values url.Values) (from, to *time.Time, err error) {
	if from, err = timeParam(values, "from", false); err != nil {
		return nil, nil, err
	}
	if to, err = timeParam(values, "to", true); err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, &ParamError{Param: "to", Reason: "must not be before from"}
	}
	return from, to, nil
}

func intParam(values url.Values, name string) (int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ParamError{Param: name, Reason: "must be an integer"}
	}
	return n, nil
}

func timeParam(values url.Values, name string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, &ParamError{Param: name, Reason: "expected RFC 3339 timestamp or YYYY-MM-DD"}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
