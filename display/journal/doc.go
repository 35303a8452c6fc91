// Package journal records delivered frames in a SQLite database for later
// inspection: which stream, write counter, ring slot and geometry each
// displayed frame had, and when it was read. Pixels are not stored.
//
//	j, err := journal.Open(ctx, journal.Config{Path: "/var/lib/shmview/frames.db"})
//	sink := display.Fanout(viewer, j)
package journal
