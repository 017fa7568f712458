package property

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatNumber renders value using an item format. Formats ending in 'm'
// ("%10.6m", "%9.8m"...) render sexagesimal DD:MM:SS text, anything else is
// passed to fmt.
func FormatNumber(value float64, format string) string {
	switch {
	case format == "":
		return strconv.FormatFloat(value, 'g', -1, 64)
	case strings.HasSuffix(format, "m"):
		return strings.TrimSpace(FormatSexagesimal(value, format))
	}
	return strings.TrimSpace(fmt.Sprintf(format, value))
}

// ParseNumber parses decimal or sexagesimal text.
func ParseNumber(s string) (float64, error) {
	return ParseSexagesimal(s)
}

// FormatSexagesimal renders value as D:MM, D:MM.m, D:MM:SS, D:MM:SS.s or
// D:MM:SS.ss depending on the precision of the %W.Pm format (3, 5, 6, 8, 9).
func FormatSexagesimal(value float64, format string) string {
	width, prec := parseSexagesimalFormat(format)

	sign := ""
	if value < 0 {
		sign = "-"
		value = -value
	}

	var s string
	switch {
	case prec <= 3:
		total := int64(math.Round(value * 60))
		s = fmt.Sprintf("%d:%02d", total/60, total%60)
	case prec <= 5:
		total := int64(math.Round(value * 600))
		s = fmt.Sprintf("%d:%04.1f", total/600, float64(total%600)/10)
	case prec <= 6:
		total := int64(math.Round(value * 3600))
		s = fmt.Sprintf("%d:%02d:%02d", total/3600, total/60%60, total%60)
	case prec <= 8:
		total := int64(math.Round(value * 36000))
		s = fmt.Sprintf("%d:%02d:%04.1f", total/36000, total/600%60, float64(total%600)/10)
	default:
		total := int64(math.Round(value * 360000))
		s = fmt.Sprintf("%d:%02d:%05.2f", total/360000, total/6000%60, float64(total%6000)/100)
	}
	if strings.Trim(s, "0:.") == "" {
		sign = ""
	}
	return fmt.Sprintf("%*s", width, sign+s)
}

func parseSexagesimalFormat(format string) (width, prec int) {
	prec = 6
	f := strings.TrimSuffix(strings.TrimPrefix(format, "%"), "m")
	w, p, found := strings.Cut(f, ".")
	if v, err := strconv.Atoi(w); err == nil {
		width = v
	}
	if found {
		if v, err := strconv.Atoi(p); err == nil {
			prec = v
		}
	}
	return width, prec
}

// ParseSexagesimal parses "D:M:S", "D M S", "D:M" or plain decimal text.
func ParseSexagesimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ' '
	})
	if len(fields) == 1 {
		return strconv.ParseFloat(fields[0], 64)
	}
	if len(fields) > 3 {
		return 0, fmt.Errorf("invalid sexagesimal number %q", s)
	}

	negative := strings.HasPrefix(fields[0], "-")
	var result float64
	scale := 1.0
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid sexagesimal number %q: %w", s, err)
		}
		if i > 0 && (v < 0 || v >= 60) {
			return 0, fmt.Errorf("invalid sexagesimal number %q", s)
		}
		result += math.Abs(v) / scale
		scale *= 60
	}
	if negative {
		result = -result
	}
	return result, nil
}
