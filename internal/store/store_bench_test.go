package store

import (
	"fmt"
	"path/filepath"
	"testing"
)

func BenchmarkInsertAndSave(b *testing.B) {
	b.ReportAllocs()
	s, err := OpenMessageStore(filepath.Join(b.TempDir(), "messages.json"), MessageOptions{})
	if err != nil {
		b.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 1000; i++ {
		s.Insert(msg(fmt.Sprintf("seed-%d", i), int64(i)))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Insert(msg(fmt.Sprintf("bench-%d", i), int64(i)))
		if err := s.Save(); err != nil {
			b.Fatalf("save failed: %v", err)
		}
	}
}
