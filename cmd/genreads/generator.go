package main

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// generator emits payloads in the shapes readers are known to send.
type generator struct {
	rng     *rand.Rand
	tags    []string
	readers []string
	clock   time.Time
}

func newGenerator(seed uint64, tags, readers int) *generator {
	g := &generator{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		clock: time.Now().UTC().Truncate(time.Millisecond),
	}
	for i := 0; i < max(tags, 1); i++ {
		g.tags = append(g.tags, fmt.Sprintf("E28011606000020%09X", g.rng.Uint64N(1<<36)))
	}
	for i := 0; i < max(readers, 1); i++ {
		g.readers = append(g.readers, fmt.Sprintf("impinj-%02x-%02x-%02x", g.rng.IntN(256), g.rng.IntN(256), g.rng.IntN(256)))
	}
	return g
}

// payload returns n reads in one of three layouts: an R700 IoT event list,
// a notifications array of data-wrapped reads, or flat tag reads.
func (g *generator) payload(n int) any {
	reads := make([]map[string]any, n)
	for i := range reads {
		g.clock = g.clock.Add(time.Duration(1+g.rng.IntN(250)) * time.Millisecond)
		reads[i] = map[string]any{
			"epcHex":       g.tags[g.rng.IntN(len(g.tags))],
			"antennaPort":  1 + g.rng.IntN(4),
			"peakRssiCdbm": -3000 - g.rng.IntN(4500),
		}
	}
	reader := g.readers[g.rng.IntN(len(g.readers))]
	switch g.rng.IntN(3) {
	case 0:
		events := make([]map[string]any, n)
		for i, r := range reads {
			events[i] = map[string]any{
				"timestamp":         g.stamp(i, n),
				"hostname":          reader,
				"eventType":         "tagInventory",
				"tagInventoryEvent": r,
			}
		}
		return map[string]any{"events": events}
	case 1:
		notes := make([]map[string]any, n)
		for i, r := range reads {
			r["reader"] = map[string]any{"hostname": reader}
			r["timestamp"] = g.stamp(i, n)
			notes[i] = map[string]any{"data": r}
		}
		return map[string]any{"notifications": notes}
	default:
		for i, r := range reads {
			r["epc"] = r["epcHex"]
			delete(r, "epcHex")
			r["rssi"] = float64(r["peakRssiCdbm"].(int)) / 100
			delete(r, "peakRssiCdbm")
			r["reader"] = reader
			r["readTime"] = g.stamp(i, n)
		}
		return map[string]any{"tags": reads}
	}
}

// stamp spreads a batch over the clock advance so reads in one payload keep
// distinct, increasing times.
func (g *generator) stamp(i, n int) string {
	return g.clock.Add(time.Duration(i-n) * time.Millisecond).Format(time.RFC3339Nano)
}
