package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/eegdaq/pkg/session"
)

const statsInterval = 5 * time.Second

// statsLoop logs a one-line progress summary per interval until cancelled.
func statsLoop(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Print(statsLine(sess))
		}
	}
}

func statsLine(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "stats: state=%s batches=%d dropped=%d",
		sess.State(), sess.BatchesPublished(), sess.BatchesDropped())
	for _, st := range sess.PluginStats() {
		fmt.Fprintf(&b, " %s=%d", st.Name, st.SamplesProcessed)
		if st.Detached {
			fmt.Fprintf(&b, "(detached)")
		}
	}
	if rec := sess.Recorder(); rec != nil {
		fmt.Fprintf(&b, " rows=%d", rec.Rows())
	}
	return b.String()
}
