package payload

import "time"

// Fields are the canonical values pulled out of one candidate node.
type Fields struct {
	TagID    string
	ReadTime time.Time
	// TimeFromPayload is false when ReadTime fell back to the ingest time.
	TimeFromPayload bool
	Reader          string
	AntennaPort     *int
	RSSI            *float64
}

// rule inspects the enclosing wrapper and the event body and reports whether it
// produced a value. Rules for one field are tried in order; the first hit wins.
type rule[T any] func(wrapper, body map[string]any) (T, bool)

func firstOf[T any](rules []rule[T], wrapper, body map[string]any) (T, bool) {
	for _, r := range rules {
		if v, ok := r(wrapper, body); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// bodyKeys name objects that carry the event itself inside a notification.
var bodyKeys = []string{"data", "tagInventoryEvent"}

var (
	tagKeys       = []string{"epc", "epcHex", "epcStr", "tag", "id"}
	epcDataKeys   = []string{"epcData", "epc_data"}
	epcNestedKeys = []string{"epc", "epcHex", "epcStr"}
	timeKeys      = []string{
		"timestamp",
		"readTime",
		"eventTime",
		"firstSeenTimestamp",
		"lastSeenTimestamp",
		"modified",
		"observedAt",
	}
	antennaKeys  = []string{"antennaPort", "antenna", "antenna_port"}
	readerFields = []string{"name", "hostname", "id"}
)

// centiDBmKey reports RSSI in hundredths of a dBm.
const centiDBmKey = "peakRssiCdbm"

var rssiKeys = []string{centiDBmKey, "rssi", "peakRssi", "rssiDbm"}

var tagRules = buildTagRules()

func buildTagRules() []rule[string] {
	var rules []rule[string]
	for _, k := range tagKeys {
		rules = append(rules, bodyString(k))
	}
	for _, k := range epcNestedKeys {
		rules = append(rules, func(_, body map[string]any) (string, bool) {
			nested := epcData(body)
			if nested == nil {
				return "", false
			}
			return nonBlank(nested[k])
		})
	}
	return rules
}

func bodyString(key string) rule[string] {
	return func(_, body map[string]any) (string, bool) {
		return nonBlank(body[key])
	}
}

func epcData(body map[string]any) map[string]any {
	for _, k := range epcDataKeys {
		if m, ok := body[k].(map[string]any); ok && len(m) > 0 {
			return m
		}
	}
	return nil
}

var timeRules = buildTimeRules()

func buildTimeRules() []rule[time.Time] {
	var rules []rule[time.Time]
	for _, inWrapper := range []bool{true, false} {
		for _, k := range timeKeys {
			rules = append(rules, func(wrapper, body map[string]any) (time.Time, bool) {
				c := body
				if inWrapper {
					c = wrapper
				}
				return ParseTime(c[k])
			})
		}
	}
	return rules
}

var rssiRules = buildRSSIRules()

func buildRSSIRules() []rule[float64] {
	var rules []rule[float64]
	for _, k := range rssiKeys {
		rules = append(rules, func(_, body map[string]any) (float64, bool) {
			f, ok := toFloat(body[k])
			if !ok {
				return 0, false
			}
			if k == centiDBmKey {
				f /= 100
			}
			return f, true
		})
	}
	return rules
}

var readerRules = []rule[string]{
	readerIn(true),
	readerIn(false),
	func(wrapper, _ map[string]any) (string, bool) {
		return nonBlank(wrapper["hostname"])
	},
}

func readerIn(inWrapper bool) rule[string] {
	return func(wrapper, body map[string]any) (string, bool) {
		c := body
		if inWrapper {
			c = wrapper
		}
		switch v := c["reader"].(type) {
		case map[string]any:
			for _, f := range readerFields {
				if s, ok := nonBlank(v[f]); ok {
					return s, true
				}
			}
		case string:
			return nonBlank(v)
		}
		return "", false
	}
}

// antennaPort reads the first alias that is present. A present but invalid
// value yields no port rather than falling through to the next alias.
func antennaPort(body map[string]any) *int {
	for _, k := range antennaKeys {
		v, ok := body[k]
		if !ok || v == nil {
			continue
		}
		n, ok := toInt(v)
		if !ok || n < 0 {
			return nil
		}
		return &n
	}
	return nil
}

// Body returns the object holding the event fields for a walked node.
func Body(node map[string]any) map[string]any {
	for _, k := range bodyKeys {
		if m, ok := node[k].(map[string]any); ok {
			return m
		}
	}
	return node
}

// Extract pulls the canonical fields from node. It reports false when no tag
// identifier is present; such nodes are not events.
func Extract(node map[string]any, now time.Time) (Fields, bool) {
	body := Body(node)
	tag, ok := firstOf(tagRules, node, body)
	if !ok {
		return Fields{}, false
	}
	f := Fields{TagID: upper(tag)}

	if ts, ok := firstOf(timeRules, node, body); ok {
		f.ReadTime = ts
		f.TimeFromPayload = true
	} else {
		f.ReadTime = now.UTC()
	}
	if r, ok := firstOf(readerRules, node, body); ok {
		f.Reader = r
	}
	if rssi, ok := firstOf(rssiRules, node, body); ok {
		f.RSSI = &rssi
	}
	f.AntennaPort = antennaPort(body)
	return f, true
}
