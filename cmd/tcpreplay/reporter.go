package main

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
	"github.com/irctrakz/tcpin/pkg/metrics"
)

type statsSnapshot struct {
	Timestamp string            `json:"ts"`
	Flows     map[string]uint64 `json:"flows"`
	Engine    map[string]uint64 `json:"engine"`
	RT        map[string]uint64 `json:"rt"`
}

// reporter logs engine counters while a replay runs.
type reporter struct {
	stats  *core.Stats
	total  int
	done   *atomic.Int64
	format string

	lastRTO uint64
}

func (r *reporter) run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dump()
		}
	}
}

func (r *reporter) snapshot() statsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	eng := r.stats.Snapshot()
	rto := eng[core.RexmtTimeo.String()]
	eng["rexmttimeo_delta"] = rto - r.lastRTO
	r.lastRTO = rto
	return statsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Flows: map[string]uint64{
			"total": uint64(r.total),
			"done":  uint64(r.done.Load()),
		},
		Engine: eng,
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
}

func (r *reporter) dump() {
	snap := r.snapshot()
	if r.format == "json" {
		b, _ := json.Marshal(snap)
		logging.Infof("stats: %s", string(b))
		return
	}
	e := snap.Engine
	logging.Infof("stats: ts=%s flows=%d/%d | rcv: total=%d pack=%d dup=%d ooo=%d afterwin=%d | ack: pred=%d dup=%d challenge=%d | rexmt: timeo=%d dR=%d badrexmt=%d | conns: connects=%d closed=%d drops=%d | rt: heap=%dMi gor=%d gc=%d",
		snap.Timestamp, snap.Flows["done"], snap.Flows["total"],
		e[core.RcvTotal.String()], e[core.RcvPack.String()], e[core.RcvDupPack.String()],
		e[core.RcvOOPack.String()], e[core.RcvPackAfterWin.String()],
		e[core.PredAck.String()], e[core.RcvDupAck.String()], e[core.ChallengeAck.String()],
		e[core.RexmtTimeo.String()], e["rexmttimeo_delta"], e[core.SndRexmitBad.String()],
		e[core.Connects.String()], e[core.Closed.String()], e[core.Drops.String()],
		snap.RT["heap_alloc"]>>20, snap.RT["goroutines"], snap.RT["num_gc"],
	)
}

// summary is the final report printed after a replay.
type summary struct {
	Capture captureStats   `json:"capture"`
	Flows   int            `json:"flows"`
	Opened  int            `json:"opened"`
	States  map[string]int `json:"states"`
	Actions map[string]int `json:"actions"`
	Reasons map[string]int `json:"reasons"`

	Violations []FlowReport      `json:"violations,omitempty"`
	Engine     map[string]uint64 `json:"engine"`
}

func summarize(cs captureStats, reports []FlowReport, stats *core.Stats) summary {
	s := summary{
		Capture: cs,
		Flows:   len(reports),
		States:  make(map[string]int),
		Actions: make(map[string]int),
		Reasons: make(map[string]int),
		Engine:  stats.Snapshot(),
	}
	for i := range reports {
		fr := &reports[i]
		s.States[fr.State]++
		if fr.State != "NONE" {
			s.Opened++
		}
		for k, v := range fr.Actions {
			s.Actions[k] += v
		}
		for k, v := range fr.Reasons {
			s.Reasons[k] += v
		}
		if fr.Violation != "" {
			s.Violations = append(s.Violations, *fr)
		}
	}
	return s
}

// report logs the summary and publishes the final states to the collector.
func report(s summary, format string, coll *metrics.Collector) {
	if coll != nil {
		coll.SetConns(s.States)
	}
	if format == "json" {
		b, _ := json.Marshal(s)
		logging.Infof("replay: %s", string(b))
		return
	}
	logging.Infof("replay: packets=%d tcp=%d non-ipv4=%d undecodable=%d flows=%d opened=%d",
		s.Capture.Packets, s.Capture.TCP, s.Capture.NonIPv4, s.Capture.Undecodable, s.Flows, s.Opened)
	for _, k := range sortedKeys(s.States) {
		logging.Infof("replay: state %-12s %d", k, s.States[k])
	}
	for _, k := range sortedKeys(s.Reasons) {
		logging.Infof("replay: drop %-20s %d", k, s.Reasons[k])
	}
	for _, fr := range s.Violations {
		logging.Warnf("replay: %s: %s", fr.Flow, fr.Violation)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
