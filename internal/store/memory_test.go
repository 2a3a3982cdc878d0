package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/scan"
)

func finding(t model.FindingType, data string, created uint64) *model.Finding {
	f := model.NewFinding(t, data, "sfp_test", nil)
	f.Created = created
	f.ID = f.ComputeID()
	return f
}

func TestMemoryStore_Findings(t *testing.T) {
	s := NewMemoryStore(10, 3, 100)

	assert.True(t, s.AddFinding("scan-1", finding(model.TypeIPAddress, "1.1.1.1", 1)))
	assert.False(t, s.AddFinding("scan-1", finding(model.TypeIPAddress, "1.1.1.1", 1)), "duplicate id is ignored")
	assert.True(t, s.AddFinding("scan-1", finding(model.TypeGeoInfo, "Berlin", 2)))
	assert.True(t, s.AddFinding("scan-2", finding(model.TypeIPAddress, "1.1.1.1", 1)), "dedupe is per scan")

	got := s.Findings("scan-1", "")
	require.Len(t, got, 2)
	assert.Equal(t, "1.1.1.1", got[0].Data)
	assert.Equal(t, "Berlin", got[1].Data)

	assert.Len(t, s.Findings("scan-1", model.TypeGeoInfo), 1)
	assert.Nil(t, s.Findings("missing", ""))
}

func TestMemoryStore_RingKeepsNewest(t *testing.T) {
	s := NewMemoryStore(10, 3, 100)
	for i := 1; i <= 5; i++ {
		s.AddFinding("scan-1", finding(model.TypeIPAddress, fmt.Sprintf("10.0.0.%d", i), uint64(i)))
	}

	got := s.Findings("scan-1", "")
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{got[0].Created, got[1].Created, got[2].Created})
	assert.Equal(t, 3, s.Stats()["total_findings"])
}

func TestMemoryStore_Snapshots(t *testing.T) {
	s := NewMemoryStore(2, 10, 100)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		s.ScanEnded(ctx, scan.Snapshot{
			ID:        fmt.Sprintf("scan-%d", i),
			Status:    scan.StatusFinished,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	_, ok := s.Scan("scan-1")
	assert.False(t, ok, "oldest scan is evicted")

	snap, ok := s.Scan("scan-3")
	require.True(t, ok)
	assert.Equal(t, scan.StatusFinished, snap.Status)

	all := s.Scans()
	require.Len(t, all, 2)
	assert.Equal(t, "scan-3", all[0].ID)

	assert.True(t, s.Delete("scan-3"))
	_, ok = s.Scan("scan-3")
	assert.False(t, ok)
}
