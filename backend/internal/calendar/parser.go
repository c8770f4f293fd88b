// Package calendar extracts meetings from iCalendar attachments.
package calendar

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/edeng23/beyond-meet/backend/internal/state"
)

const (
	// DefaultTitle is used when an event has no SUMMARY
	DefaultTitle = "No Title"
	// DefaultLocation is used when an event has no LOCATION
	DefaultLocation = "No Location"
)

// ErrMalformed is returned when the payload is not a parseable calendar
var ErrMalformed = errors.New("malformed calendar")

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\,`, `,`, `\;`, `;`, `\n`, "\n", `\N`, "\n")

// Parse returns one meeting per VEVENT in data. The caller decides how to
// treat a parse failure; it is not recovered here.
func Parse(data []byte) ([]state.Meeting, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	events := cal.Events()
	meetings := make([]state.Meeting, 0, len(events))
	for _, event := range events {
		start := event.GetProperty(ics.ComponentPropertyDtStart)
		if start == nil {
			return nil, fmt.Errorf("%w: event %q has no DTSTART", ErrMalformed, eventUID(event))
		}
		date, err := formatStart(start)
		if err != nil {
			return nil, fmt.Errorf("%w: event %q: %v", ErrMalformed, eventUID(event), err)
		}

		meetings = append(meetings, state.Meeting{
			Date:     date,
			Title:    textOr(event.GetProperty(ics.ComponentPropertySummary), DefaultTitle),
			Location: textOr(event.GetProperty(ics.ComponentPropertyLocation), DefaultLocation),
		})
	}
	return meetings, nil
}

// formatStart renders DTSTART as ISO-8601: a bare date for all-day events,
// RFC 3339 for UTC or zoned times and an offset-less timestamp for floating times.
func formatStart(prop *ics.IANAProperty) (string, error) {
	value := strings.TrimSpace(prop.Value)

	if paramValue(prop, "VALUE") == "DATE" || len(value) == len("20060102") {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return "", err
		}
		return t.Format("2006-01-02"), nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return "", err
		}
		return t.UTC().Format(time.RFC3339), nil
	}

	if tzid := paramValue(prop, "TZID"); tzid != "" {
		if loc, err := time.LoadLocation(tzid); err == nil {
			t, err := time.ParseInLocation("20060102T150405", value, loc)
			if err != nil {
				return "", err
			}
			return t.Format(time.RFC3339), nil
		}
		// Unknown zone names (common with Outlook) fall through to floating time
	}

	t, err := time.Parse("20060102T150405", value)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02T15:04:05"), nil
}

func paramValue(prop *ics.IANAProperty, name string) string {
	for key, values := range prop.ICalParameters {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return strings.Trim(values[0], `"`)
		}
	}
	return ""
}

func textOr(prop *ics.IANAProperty, fallback string) string {
	if prop == nil {
		return fallback
	}
	return textUnescaper.Replace(prop.Value)
}

func eventUID(event *ics.VEvent) string {
	if uid := event.GetProperty(ics.ComponentPropertyUniqueId); uid != nil {
		return uid.Value
	}
	return ""
}
