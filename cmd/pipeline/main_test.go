package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadReachesCSV_OutletHasNilToID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reaches.csv")
	if err := os.WriteFile(path, []byte("r1,r2\nr2,\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reaches, err := readReachesCSV(path)
	if err != nil {
		t.Fatalf("readReachesCSV: %v", err)
	}
	if len(reaches) != 2 {
		t.Fatalf("expected 2 reaches, got %d", len(reaches))
	}
	if reaches[0].ID != "r1" || reaches[0].ToID == nil || *reaches[0].ToID != "r2" {
		t.Fatalf("unexpected first reach: %+v", reaches[0])
	}
	if reaches[1].ID != "r2" || reaches[1].ToID != nil {
		t.Fatalf("expected r2 to be an outlet (nil ToID), got %+v", reaches[1])
	}
}

func TestReadReachesCSV_SkipsShortRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reaches.csv")
	if err := os.WriteFile(path, []byte("r1\nr2,r3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reaches, err := readReachesCSV(path)
	if err != nil {
		t.Fatalf("readReachesCSV: %v", err)
	}
	if len(reaches) != 1 || reaches[0].ID != "r2" {
		t.Fatalf("expected only the r2 record to survive, got %+v", reaches)
	}
}

func TestReadReachesCSV_MissingFileReturnsError(t *testing.T) {
	if _, err := readReachesCSV(filepath.Join(t.TempDir(), "absent.csv")); err == nil {
		t.Fatal("expected an error for a missing reaches file")
	}
}

func TestNewRootCmd_CollectionFlagRequired(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when --collection is omitted")
	}
}

func TestNewRootCmd_HasReportSubcommand(t *testing.T) {
	cmd := newRootCmd()
	report, _, err := cmd.Find([]string{"report"})
	if err != nil {
		t.Fatalf("Find report subcommand: %v", err)
	}
	if report.Use != "report --collection ID" {
		t.Fatalf("unexpected report command, got %q", report.Use)
	}
}

func TestNewReportCmd_CollectionFlagRequired(t *testing.T) {
	cmd := newReportCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when report's --collection is omitted")
	}
}
