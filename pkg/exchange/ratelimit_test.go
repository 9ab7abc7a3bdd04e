package exchange

import (
	"context"
	"testing"
	"time"
)

func TestOrderSerializerSpacing(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	// 16 submissions at an 8/s ceiling must take at least two seconds.
	s := NewOrderSerializer(125 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 16; i++ {
		if err := s.Do(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("16 orders took %s, want >= 2s", elapsed)
	}
}

func TestOrderSerializerContextCancel(t *testing.T) {
	s := NewOrderSerializer(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, func() error {
		t.Error("fn should not run after ctx expiry")
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}
