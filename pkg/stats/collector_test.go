package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpRead)

	stats := collector.GetStats()

	if writes, ok := stats["write_ops"].(uint64); !ok || writes != 2 {
		t.Errorf("Expected 2 write operations, got %v", stats["write_ops"])
	}

	if reads, ok := stats["read_ops"].(uint64); !ok || reads != 1 {
		t.Errorf("Expected 1 read operation, got %v", stats["read_ops"])
	}

	if _, exists := stats["last_write_time"]; !exists {
		t.Errorf("Expected last_write_time to be recorded")
	}

	if got := collector.OperationCount(OpWrite); got != 2 {
		t.Errorf("OperationCount(write) = %d, want 2", got)
	}
	if got := collector.OperationCount(OpCompact); got != 0 {
		t.Errorf("OperationCount(compact) = %d, want 0", got)
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpWrite, 300)
	collector.TrackOperationWithLatency(OpWrite, 100)
	collector.TrackOperationWithLatency(OpWrite, 200)

	stats := collector.GetStats()
	latency, ok := stats["write_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected write_latency to be a map, got %T", stats["write_latency"])
	}

	if count := latency["count"].(uint64); count != 3 {
		t.Errorf("Expected count 3, got %v", count)
	}
	if avg := latency["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected avg 200, got %v", avg)
	}
	if min := latency["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min 100, got %v", min)
	}
	if max := latency["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max 300, got %v", max)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()

	const workers = 10
	const opsPerWorker = 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerWorker; j++ {
				switch j % 3 {
				case 0:
					collector.TrackOperationWithLatency(OpWrite, uint64(j+1))
				case 1:
					collector.TrackOperation(OpRead)
				default:
					collector.TrackBytes(true, 32)
				}
				if j%100 == 0 {
					collector.TrackError("flash_write_error")
				}
			}
		}(i)
	}
	wg.Wait()

	// 500 ops per worker: j%3==0 for 167 values, j%3==1 for 167 values
	if got := collector.OperationCount(OpWrite); got != workers*167 {
		t.Errorf("Expected %d writes, got %d", workers*167, got)
	}
	if got := collector.OperationCount(OpRead); got != workers*167 {
		t.Errorf("Expected %d reads, got %d", workers*167, got)
	}

	stats := collector.GetStats()
	if programmed := stats["total_bytes_programmed"].(uint64); programmed != workers*166*32 {
		t.Errorf("Expected %d bytes programmed, got %d", workers*166*32, programmed)
	}

	errs := stats["errors"].(map[string]uint64)
	if errs["flash_write_error"] != workers*5 {
		t.Errorf("Expected %d errors, got %d", workers*5, errs["flash_write_error"])
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpRead)
	collector.TrackOperation(OpReject)
	collector.TrackError("range")

	readStats := collector.GetStatsFiltered("read")
	if _, exists := readStats["read_ops"]; !exists {
		t.Errorf("Expected read_ops in filtered stats")
	}
	if _, exists := readStats["write_ops"]; exists {
		t.Errorf("Did not expect write_ops in read-filtered stats")
	}

	errorStats := collector.GetStatsFiltered("error")
	if _, exists := errorStats["errors"]; !exists {
		t.Errorf("Expected errors in error-filtered stats")
	}

	if all := collector.GetStatsFiltered(""); len(all) != len(collector.GetStats()) {
		t.Errorf("Empty prefix should return every stat")
	}
}

func TestCollector_TrackBytesAndErases(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(true, 32)
	collector.TrackBytes(true, 32)
	collector.TrackBytes(false, 128)
	collector.TrackErase()

	stats := collector.GetStats()

	if programmed := stats["total_bytes_programmed"].(uint64); programmed != 64 {
		t.Errorf("Expected 64 bytes programmed, got %v", programmed)
	}
	if read := stats["total_bytes_read"].(uint64); read != 128 {
		t.Errorf("Expected 128 bytes read, got %v", read)
	}
	if erases := stats["erase_count"].(uint64); erases != 1 {
		t.Errorf("Expected 1 erase, got %v", erases)
	}
	if collector.EraseCount() != 1 {
		t.Errorf("EraseCount() = %d, want 1", collector.EraseCount())
	}
}

func TestCollector_RecoveryStats(t *testing.T) {
	collector := NewAtomicCollector()

	startTime := collector.StartRecovery()
	time.Sleep(time.Millisecond)
	collector.FinishRecovery(startTime, 4096, 7, 1)

	stats := collector.GetStats()
	recoveryStats, ok := stats["recovery"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected recovery stats to be a map")
	}

	if scanned := recoveryStats["slots_scanned"].(uint64); scanned != 4096 {
		t.Errorf("Expected 4096 slots scanned, got %v", scanned)
	}
	if valid := recoveryStats["valid_slots"].(uint64); valid != 7 {
		t.Errorf("Expected 7 valid slots, got %v", valid)
	}
	if corrupted := recoveryStats["corrupted_slots"].(uint64); corrupted != 1 {
		t.Errorf("Expected 1 corrupted slot, got %v", corrupted)
	}
	if _, exists := recoveryStats["scan_duration_us"]; !exists {
		t.Errorf("Expected scan duration to be recorded")
	}

	// A second scan starts from zero
	collector.StartRecovery()
	stats = collector.GetStats()
	if scanned := stats["recovery"].(map[string]interface{})["slots_scanned"].(uint64); scanned != 0 {
		t.Errorf("Expected recovery stats reset, got %d slots scanned", scanned)
	}
}

func TestLatency_Snapshot(t *testing.T) {
	tests := []struct {
		name    string
		samples []uint64
		want    map[string]uint64
	}{
		{"empty", nil, nil},
		{"single", []uint64{50}, map[string]uint64{"count": 1, "avg_ns": 50, "min_ns": 50, "max_ns": 50}},
		{"descending", []uint64{90, 30, 10}, map[string]uint64{"count": 3, "avg_ns": 43, "min_ns": 10, "max_ns": 90}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var l latency
			for _, ns := range tc.samples {
				l.record(ns)
			}
			snap := l.snapshot()
			if tc.want == nil {
				if snap != nil {
					t.Fatalf("Expected nil snapshot, got %v", snap)
				}
				return
			}
			for key, want := range tc.want {
				if got, _ := snap[key].(uint64); got != want {
					t.Errorf("%s = %v, want %d", key, snap[key], want)
				}
			}
		})
	}
}

func TestRegistry_GetReturnsSameValue(t *testing.T) {
	r := newRegistry[string, latency]()

	var wg sync.WaitGroup
	got := make([]*latency, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.get("write")
		}(i)
	}
	wg.Wait()

	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("get returned distinct values for the same key")
		}
	}
	if _, ok := r.lookup("read"); ok {
		t.Errorf("lookup should not create entries")
	}
}
