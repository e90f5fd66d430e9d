package storage

import (
	"context"
	"testing"
	"time"
)

func TestExportKey(t *testing.T) {
	got := ExportKey(12, time.Unix(1700000000, 0))
	if got != "exports/12/participants-1700000000.csv" {
		t.Errorf("ExportKey = %q", got)
	}
}

func TestPresignExpireDefault(t *testing.T) {
	if d := (&S3{}).PresignExpire(); d != 15*time.Minute {
		t.Errorf("default = %v", d)
	}
	if d := (&S3{cfg: S3Config{PresignExpireMinutes: 5}}).PresignExpire(); d != 5*time.Minute {
		t.Errorf("configured = %v", d)
	}
}

func TestNewS3NeedsBucket(t *testing.T) {
	if _, err := NewS3(context.Background(), S3Config{Region: "us-east-1"}, nil); err == nil {
		t.Error("expected error without bucket")
	}
}
