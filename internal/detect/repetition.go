// Package detect flags runaway loops in a task: identical tool calls
// repeated back-to-back, per-call and per-tool frequency caps, and a
// general misbehavior counter for replies that do not use tools at all.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Defaults, tuned against real model behavior: read-heavy exploration
// is normal, repeated mutation is not.
const (
	DefaultRingSize       = 3
	DefaultMutatingCap    = 8
	DefaultReadOnlyCap    = 30
	DefaultConsecutiveCap = 5
	DefaultMisbehaviorCap = 8
)

// Fingerprint canonically encodes a tool call so that two calls with
// the same tool and arguments compare equal regardless of map order.
func Fingerprint(toolKey string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(toolKey))
	h.Write([]byte{0})
	h.Write(canonicalJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders args with sorted keys at every level.
func canonicalJSON(v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalJSON(val[k])...)
		}
		return append(out, '}')
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalJSON(item)...)
		}
		return append(out, ']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			b, _ = json.Marshal(fmt.Sprintf("%v", val))
		}
		return b
	}
}

// Verdict is the detector's judgment for one recorded call.
type Verdict int

const (
	// OK: nothing suspicious.
	OK Verdict = iota
	// Warn: first threshold breach; the runner injects a notice so the
	// model can change strategy.
	Warn
	// Loop: second breach; the task terminates failed.
	Loop
)

// Detector tracks call fingerprints for a single task. Not safe for
// concurrent use; each runner owns its own detector.
type Detector struct {
	ringSize       int
	mutatingCap    int
	readOnlyCap    int
	consecutiveCap int
	misbehaviorCap int

	ring        []string
	byFP        map[string]int
	byTool      map[string]int
	lastFP      string
	consecutive int

	warned      bool
	misbehavior int
}

// New creates a detector with default thresholds.
func New() *Detector {
	return &Detector{
		ringSize:       DefaultRingSize,
		mutatingCap:    DefaultMutatingCap,
		readOnlyCap:    DefaultReadOnlyCap,
		consecutiveCap: DefaultConsecutiveCap,
		misbehaviorCap: DefaultMisbehaviorCap,
		byFP:           make(map[string]int),
		byTool:         make(map[string]int),
	}
}

// Record registers a call and returns the verdict plus a model-readable
// description of what tripped.
func (d *Detector) Record(toolKey string, args map[string]any, readOnly bool) (Verdict, string) {
	fp := Fingerprint(toolKey, args)

	d.ring = append(d.ring, fp)
	if len(d.ring) > d.ringSize {
		d.ring = d.ring[1:]
	}
	d.byFP[fp]++
	d.byTool[toolKey]++
	if fp == d.lastFP {
		d.consecutive++
	} else {
		d.consecutive = 1
		d.lastFP = fp
	}

	freqCap := d.mutatingCap
	if readOnly {
		freqCap = d.readOnlyCap
	}

	var reason string
	switch {
	case d.ringIdentical():
		reason = fmt.Sprintf("the last %d tool calls were identical (%s)", len(d.ring), toolKey)
	case d.consecutive >= d.consecutiveCap:
		reason = fmt.Sprintf("%s was called %d times in a row with the same arguments", toolKey, d.consecutive)
	case d.byFP[fp] >= freqCap:
		reason = fmt.Sprintf("this exact %s call has now run %d times", toolKey, d.byFP[fp])
	case d.byTool[toolKey] >= freqCap:
		reason = fmt.Sprintf("%s has now been called %d times this task", toolKey, d.byTool[toolKey])
	default:
		return OK, ""
	}

	if d.warned {
		return Loop, reason
	}
	d.warned = true
	return Warn, reason
}

// RingCount returns how many identical fingerprints currently fill the
// ring (0 when the ring holds mixed calls or is not yet full).
func (d *Detector) RingCount() int {
	if d.ringIdentical() {
		return len(d.ring)
	}
	return 0
}

func (d *Detector) ringIdentical() bool {
	if len(d.ring) < d.ringSize {
		return false
	}
	for _, fp := range d.ring[1:] {
		if fp != d.ring[0] {
			return false
		}
	}
	return true
}

// RecordMisbehavior bumps the general misbehavior counter (no tool use,
// malformed arguments, unknown tool). Returns true when the counter
// trips the cap and the task should fail.
func (d *Detector) RecordMisbehavior() bool {
	d.misbehavior++
	return d.misbehavior >= d.misbehaviorCap
}

// Misbehavior returns the current counter value.
func (d *Detector) Misbehavior() int { return d.misbehavior }
