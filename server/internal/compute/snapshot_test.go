package compute

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/backupbeacon/backupbeacon/pkg/types"
	"github.com/backupbeacon/backupbeacon/server/internal/status"
)

func sampleReport() *status.Report {
	return &status.Report{
		LastSuccess: base,
		NextBackup:  at(6 * time.Hour),
		Backups: []status.Backup{
			{Name: "Full A", Date: base.Add(-48 * time.Hour), Status: "Backed Up", SizeBytes: 3 << 20, Slug: "a",
				Sources: []string{status.SourceHomeAssistant, status.SourceGoogleDrive}},
			{Name: "Full B", Date: base.Add(-24 * time.Hour), Status: "HA Only", SizeBytes: 1 << 20, Slug: "b",
				Sources: []string{status.SourceHomeAssistant}},
			{Name: "Ignored", Date: base, Status: "Ignored", SizeBytes: 5 << 30, Slug: "c",
				Sources: []string{status.SourceGoogleDrive}, Ignored: true},
		},
		FreeSpace: map[string]int64{status.SourceGoogleDrive: 10 << 30},
	}
}

func TestBuildSnapshot(t *testing.T) {
	snap := BuildSnapshot(sampleReport(), false)

	if snap.State != types.StateBackedUp {
		t.Errorf("State: got %q, want backed_up", snap.State)
	}
	if want := "2026-10-16T12:00:00+00:00"; snap.LastBackup != want {
		t.Errorf("LastBackup: got %q, want %q (ignored backup excluded)", snap.LastBackup, want)
	}
	if want := "2026-10-15T12:00:00+00:00"; snap.LastUploaded != want {
		t.Errorf("LastUploaded: got %q, want %q", snap.LastUploaded, want)
	}
	if snap.NextBackup == nil || *snap.NextBackup != "2026-10-17T18:00:00+00:00" {
		t.Errorf("NextBackup: got %v", snap.NextBackup)
	}
	if snap.Counts[status.SourceHomeAssistant] != 2 || snap.Counts[status.SourceGoogleDrive] != 1 {
		t.Errorf("Counts: got %v", snap.Counts)
	}
	if snap.Sizes[status.SourceHomeAssistant] != "4 MB" {
		t.Errorf("Sizes[home_assistant]: got %q, want 4 MB", snap.Sizes[status.SourceHomeAssistant])
	}
	if snap.Sizes[status.SourceGoogleDrive] != "3 MB" {
		t.Errorf("Sizes[google_drive]: got %q, want 3 MB", snap.Sizes[status.SourceGoogleDrive])
	}
	if snap.FreeSpace[status.SourceGoogleDrive] != "10 GB" {
		t.Errorf("FreeSpace: got %q, want 10 GB", snap.FreeSpace[status.SourceGoogleDrive])
	}
	if len(snap.Backups) != 2 {
		t.Fatalf("Backups: got %d, want 2", len(snap.Backups))
	}
	if snap.Backups[0].Slug != "a" || snap.Backups[0].Size != "3 MB" {
		t.Errorf("Backups[0]: got %+v", snap.Backups[0])
	}
}

func TestBuildSnapshot_Empty(t *testing.T) {
	snap := BuildSnapshot(&status.Report{FirstSync: true}, false)

	if snap.State != types.StateWaiting {
		t.Errorf("State: got %q, want waiting", snap.State)
	}
	if snap.LastBackup != Never || snap.LastUploaded != Never {
		t.Errorf("dates: got %q / %q, want Never", snap.LastBackup, snap.LastUploaded)
	}
	if snap.NextBackup != nil {
		t.Errorf("NextBackup: got %v, want nil", *snap.NextBackup)
	}
	if snap.FreeSpace[status.SourceGoogleDrive] != "" {
		t.Errorf("FreeSpace: got %q, want empty", snap.FreeSpace[status.SourceGoogleDrive])
	}
	if snap.Counts[status.SourceGoogleDrive] != 0 {
		t.Errorf("Counts: got %v", snap.Counts)
	}
}

func TestSnapshot_Equal(t *testing.T) {
	a := BuildSnapshot(sampleReport(), false)
	b := BuildSnapshot(sampleReport(), false)
	if !a.Equal(b) {
		t.Error("identical reports should give equal snapshots")
	}

	rep := sampleReport()
	rep.Backups[0].Status = "Deleting"
	if a.Equal(BuildSnapshot(rep, false)) {
		t.Error("changed backup status should differ")
	}
	if a.Equal(BuildSnapshot(sampleReport(), true)) {
		t.Error("stale flip should change the state")
	}
}

func TestSnapshot_Attributes(t *testing.T) {
	attrs := BuildSnapshot(sampleReport(), false).Attributes()

	for _, key := range []string{
		"friendly_name", "last_backup", "next_backup", "last_uploaded",
		"backups_in_google_drive", "backups_in_home_assistant",
		"size_in_google_drive", "size_in_home_assistant",
		"free_space_in_google_drive", "backups",
	} {
		if _, ok := attrs[key]; !ok {
			t.Errorf("attribute %q missing", key)
		}
	}
	if attrs["friendly_name"] != FriendlyName {
		t.Errorf("friendly_name: got %v", attrs["friendly_name"])
	}

	data, err := types.Encode(BuildSnapshot(sampleReport(), false).Message())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var wire struct {
		Type       string `json:"type"`
		State      string `json:"state"`
		Attributes struct {
			Backups []map[string]string `json:"backups"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if wire.Type != "backup_state" || wire.State != "backed_up" {
		t.Errorf("wire: got %+v", wire)
	}
	if len(wire.Attributes.Backups) != 2 || wire.Attributes.Backups[1]["name"] != "Full B" {
		t.Errorf("backups: got %v", wire.Attributes.Backups)
	}
}

func TestSnapshot_NextBackupNull(t *testing.T) {
	data, err := types.Encode(BuildSnapshot(&status.Report{}, false).Message())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var wire struct {
		Attributes map[string]json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := string(wire.Attributes["next_backup"]); got != "null" {
		t.Errorf("next_backup: got %s, want null", got)
	}
}

func TestSizeString(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1024, "1024 B"},
		{1025, "1 kB"},
		{1 << 20, "1024 kB"},
		{5 << 20, "5 MB"},
		{1 << 30, "1024 MB"},
		{3 << 30, "3 GB"},
	}
	for _, tt := range tests {
		if got := SizeString(tt.in); got != tt.want {
			t.Errorf("SizeString(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDate(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), "2026-10-17T12:00:00+00:00"},
		{time.Date(2026, 10, 17, 12, 0, 0, 1500, time.UTC), "2026-10-17T12:00:00.000001+00:00"},
		{time.Date(2026, 10, 17, 12, 0, 0, 250_000_000, time.UTC), "2026-10-17T12:00:00.250000+00:00"},
		{time.Date(2026, 10, 17, 12, 0, 0, 999, time.UTC), "2026-10-17T12:00:00+00:00"},
		{time.Date(2026, 10, 17, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600)), "2026-10-17T12:00:00+02:00"},
	}
	for _, tc := range tests {
		if got := formatDate(tc.in); got != tc.want {
			t.Errorf("formatDate(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
