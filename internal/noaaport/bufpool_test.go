package noaaport

import "testing"

func TestGetBufferSizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize uint32
		expectCap   int
	}{
		{"frame bucket - exact", bucketFrame, bucketFrame},
		{"frame bucket - smaller", bucketFrame / 2, bucketFrame},
		{"small bucket - exact", bucketSmall, bucketSmall},
		{"small bucket - smaller", bucketFrame + 1, bucketSmall},
		{"large bucket - exact", bucketLarge, bucketLarge},
		{"large bucket - smaller", bucketSmall + 1, bucketLarge},
		{"max bucket - exact", bucketMax, bucketMax},
		{"max bucket - smaller", bucketLarge + 1, bucketMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := getBuffer(tt.requestSize)
			if len(buf) != int(tt.requestSize) {
				t.Errorf("getBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("getBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			putBuffer(buf)
		})
	}
}

func TestBufferPoolReuse(t *testing.T) {
	buf1 := getBuffer(bucketFrame)
	ptr1 := &buf1[0]
	putBuffer(buf1)

	buf2 := getBuffer(bucketFrame)
	ptr2 := &buf2[0]
	putBuffer(buf2)

	if ptr1 == ptr2 {
		t.Log("buffer was reused from pool")
	} else {
		t.Log("buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPutBufferNonStandardCap(t *testing.T) {
	buf := make([]byte, 100*1024)
	putBuffer(buf) // must not panic, silently dropped
}

func BenchmarkGetBufferFrame(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := getBuffer(bucketFrame)
		putBuffer(buf)
	}
}

func BenchmarkGetBufferSmall(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := getBuffer(bucketSmall)
		putBuffer(buf)
	}
}
