package model

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time zone (UTC+5:30). All engine timestamps are
// normalized to IST on ingestion.
var IST = time.FixedZone("IST", 5*3600+30*60)

// epochMillisCutoff distinguishes epoch seconds from epoch milliseconds:
// anything above ~Nov 2286 in seconds is treated as milliseconds.
const epochMillisCutoff = 1e10

// ParseTime normalizes an entry/exit time that may arrive as numeric epoch
// (seconds or milliseconds), an RFC3339 string, or a plain datetime string,
// into an IST-aware time.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.In(IST), nil
	case int64:
		return epochToIST(float64(t)), nil
	case int:
		return epochToIST(float64(t)), nil
	case float64:
		return epochToIST(t), nil
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
		} {
			if parsed, err := time.ParseInLocation(layout, t, IST); err == nil {
				return parsed.In(IST), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable time string %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func epochToIST(epoch float64) time.Time {
	if epoch > epochMillisCutoff {
		ms := int64(epoch)
		return time.UnixMilli(ms).In(IST)
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(IST)
}

// DefaultExchange derives the exchange from a contract key: NFO for
// derivatives (":OPT:" / ":FUT:" segments), NSE otherwise.
func DefaultExchange(symbol string) string {
	if containsSegment(symbol, ":OPT:") || containsSegment(symbol, ":FUT") {
		return "NFO"
	}
	return "NSE"
}

func containsSegment(s, seg string) bool {
	for i := 0; i+len(seg) <= len(s); i++ {
		if s[i:i+len(seg)] == seg {
			return true
		}
	}
	return false
}
