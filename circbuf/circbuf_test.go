package circbuf

import (
	"bytes"
	"testing"

	"corvid/mem"
)

func TestStageThenBytesRoundTrip(t *testing.T) {
	mm := mem.NewPhysmem(2)
	cb, err := CbInitPhys(mm, 1)
	if err != 0 {
		t.Fatalf("init: %s", err)
	}
	payload := []byte("hello kernel")
	if err := cb.Stage(payload); err != 0 {
		t.Fatalf("stage: %s", err)
	}
	if !bytes.Equal(cb.Bytes(), payload) {
		t.Fatalf("bytes = %q, want %q", cb.Bytes(), payload)
	}
}

func TestStageRejectsOversizePayload(t *testing.T) {
	mm := mem.NewPhysmem(2)
	cb, _ := CbInitPhys(mm, 1)
	if err := cb.Stage(make([]byte, mem.PGSIZE+1)); err == 0 {
		t.Fatalf("expected error staging an over-page payload")
	}
}

func TestReleaseFreesFrame(t *testing.T) {
	mm := mem.NewPhysmem(1)
	cb, err := CbInitPhys(mm, 1)
	if err != 0 {
		t.Fatalf("init: %s", err)
	}
	cb.Release()
	if _, err := mm.AllocPage(1); err != 0 {
		t.Fatalf("alloc after release: %s", err)
	}
}
