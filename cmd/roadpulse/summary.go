package main

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lettinghenry/roadpulse-sub001/internal/db"
)

const (
	summarySessionLimit = 50
	summaryTimeout      = 5 * time.Second
)

type sessionSummary struct {
	ID       string
	Start    time.Time
	Duration time.Duration
	Reason   string
	Events   int
}

// summarise returns the sessions started at or after since, oldest first,
// with the number of events stored for each.
func summarise(ctx context.Context, sessions *db.SessionStore, events *db.EventStore, since time.Time) ([]sessionSummary, error) {
	recs, err := sessions.RecentSessions(ctx, summarySessionLimit)
	if err != nil {
		return nil, err
	}
	since = since.Truncate(time.Millisecond)

	var out []sessionSummary
	var ids []string
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.StartTime.Before(since) {
			continue
		}
		s := sessionSummary{ID: rec.ID, Start: rec.StartTime, Reason: rec.EndReason}
		end := rec.LastActivity
		if rec.EndTime != nil {
			end = *rec.EndTime
		}
		s.Duration = end.Sub(rec.StartTime)
		out = append(out, s)
		ids = append(ids, rec.ID)
	}

	counts, err := events.SessionEventCounts(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Events = counts[out[i].ID]
	}
	return out, nil
}

func logSummary(ctx context.Context, sessions *db.SessionStore, events *db.EventStore, since time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryTimeout)
	defer cancel()

	summary, err := summarise(ctx, sessions, events, since)
	if err != nil {
		log.Printf("session summary: %v", err)
		return
	}
	for _, s := range summary {
		reason := s.Reason
		if reason == "" {
			reason = "open"
		}
		log.Printf("session %s: %s event(s) over %s, %s", s.ID,
			humanize.Comma(int64(s.Events)), s.Duration.Round(time.Second), reason)
	}
}
