package models

import "time"

// Resolution names the side that won a revision comparison.
type Resolution string

const (
	LocalWins  Resolution = "local_wins"
	RemoteWins Resolution = "remote_wins"
)

// ConflictLog records a pulled record whose revision disagreed with the local copy.
type ConflictLog struct {
	ID             int64      `db:"id" json:"id"`
	ItemCID        string     `db:"item_cid" json:"itemCid"`
	Kind           Kind       `db:"kind" json:"kind"`
	LocalRevision  int64      `db:"local_revision" json:"localRevision"`
	RemoteRevision int64      `db:"remote_revision" json:"remoteRevision"`
	Resolution     Resolution `db:"resolution" json:"resolution"`
	DetectedAt     int64      `db:"detected_at" json:"detectedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
