package storage

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/keel-agent/keel/internal/config"
)

// QuotaStatus is the workspace fill level relative to the configured
// alert threshold.
type QuotaStatus string

const (
	QuotaOK       QuotaStatus = "ok"
	QuotaWarning  QuotaStatus = "warning"
	QuotaExceeded QuotaStatus = "exceeded"
)

// QuotaReport is the result of a workspace scan.
type QuotaReport struct {
	UsedMB  float64     `json:"used_mb"`
	QuotaMB int64       `json:"quota_mb"`
	Status  QuotaStatus `json:"status"`
}

// Quota enforces the workspace byte budget and per-file size cap.
type Quota struct {
	workspace        string
	quotaBytes       int64
	maxFileBytes     int64
	alertThresholdPc float64
}

// NewQuota builds a quota checker over the workspace directory.
func NewQuota(workspace string, cfg config.StorageConfig) *Quota {
	threshold := cfg.AlertThresholdPercent
	if threshold <= 0 || threshold > 100 {
		threshold = 80
	}
	return &Quota{
		workspace:        workspace,
		quotaBytes:       cfg.WorkspaceQuotaMB * 1024 * 1024,
		maxFileBytes:     cfg.MaxFileSizeMB * 1024 * 1024,
		alertThresholdPc: threshold,
	}
}

// usedBytes walks the workspace once and sums regular file sizes.
// Unreadable entries are skipped rather than failing the scan.
func (q *Quota) usedBytes() int64 {
	var total int64
	filepath.WalkDir(q.workspace, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Check scans the workspace and reports usage against the quota.
func (q *Quota) Check() QuotaReport {
	used := q.usedBytes()
	report := QuotaReport{
		UsedMB:  float64(used) / (1024 * 1024),
		QuotaMB: q.quotaBytes / (1024 * 1024),
		Status:  QuotaOK,
	}
	if q.quotaBytes <= 0 {
		return report
	}
	pct := float64(used) / float64(q.quotaBytes) * 100
	switch {
	case used >= q.quotaBytes:
		report.Status = QuotaExceeded
	case pct >= q.alertThresholdPc:
		report.Status = QuotaWarning
	}
	return report
}

// ValidateWrite rejects a write that exceeds the per-file cap or would
// push the workspace past quota. Quota saturation is an admission gate:
// the caller turns the error into a failed tool result, never a block.
func (q *Quota) ValidateWrite(sizeBytes int64) error {
	if q.maxFileBytes > 0 && sizeBytes > q.maxFileBytes {
		return fmt.Errorf("file size %d bytes exceeds per-file cap of %d bytes", sizeBytes, q.maxFileBytes)
	}
	if q.quotaBytes > 0 && q.usedBytes()+sizeBytes > q.quotaBytes {
		return fmt.Errorf("write of %d bytes would exceed workspace quota of %d MB", sizeBytes, q.quotaBytes/(1024*1024))
	}
	return nil
}
