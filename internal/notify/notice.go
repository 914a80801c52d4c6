// Package notify announces finished runs to other systems.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/report"
)

// Notice is the compact run-finished message. It carries counters, not
// outcomes; consumers that need detail read the stored report.
type Notice struct {
	RunID      uuid.UUID        `json:"run_id"`
	Mode       string           `json:"mode"`
	ResourceID int              `json:"resource_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Cancelled  bool             `json:"cancelled"`
	Summary    download.Summary `json:"summary"`
}

// NoticeFrom condenses doc.
func NoticeFrom(doc report.Document) Notice {
	return Notice{
		RunID:      doc.RunID,
		Mode:       doc.Mode,
		ResourceID: doc.ResourceID,
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
		Cancelled:  doc.Cancelled,
		Summary:    doc.Summary,
	}
}
