package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/workflow"
)

// Cursors are opaque to clients: base64 over "<unixnano>|<id>", the
// timestamped position the next page starts after.

// DecodeJobCursor parses a client-supplied job cursor. An empty string is
// a nil cursor, meaning the first page.
func DecodeJobCursor(cursorStr string) (*job.Cursor, error) {
	at, id, err := decodeCursor(cursorStr)
	if err != nil || id == "" {
		return nil, err
	}
	return &job.Cursor{CreatedAt: at, JobID: id}, nil
}

// EncodeJobCursor renders a job cursor into its opaque wire form.
func EncodeJobCursor(cursor *job.Cursor) string {
	return encodeCursor(cursor.CreatedAt, cursor.JobID)
}

// DecodeExecutionCursor parses a client-supplied execution cursor.
func DecodeExecutionCursor(cursorStr string) (*workflow.ExecutionCursor, error) {
	at, id, err := decodeCursor(cursorStr)
	if err != nil || id == "" {
		return nil, err
	}
	return &workflow.ExecutionCursor{StartedAt: at, ExecutionID: id}, nil
}

// EncodeExecutionCursor renders an execution cursor into its opaque wire form.
func EncodeExecutionCursor(cursor *workflow.ExecutionCursor) string {
	return encodeCursor(cursor.StartedAt, cursor.ExecutionID)
}

func decodeCursor(cursorStr string) (time.Time, string, error) {
	if cursorStr == "" {
		return time.Time{}, "", nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor position: %w", err)
	}

	return time.Unix(0, nanos).UTC(), parts[1], nil
}

func encodeCursor(at time.Time, id string) string {
	cs := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
