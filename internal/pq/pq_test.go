package pq

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/stretchr/testify/require"
)

func makeProduct(t *testing.T, identifier string, size int) ldm7.Product {
	t.Helper()
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	info := ldm7.ProductInfo{
		Signature:   ldm7.DigestSignature(payload),
		ArrivalTime: time.Now().UTC(),
		OriginHost:  "upstream.example.org",
		FeedType:    ldm7.FeedEXP,
		Identifier:  identifier,
		Size:        uint32(size),
	}
	return ldm7.Product{Info: info, Payload: payload}
}

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.pq")

	q, err := Create(path, 100, 10<<20, 0o644)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2, err := Open(path, ModeExclusive)
	require.NoError(t, err)
	defer q2.Close()
	require.Equal(t, path, q2.Path())
	require.Equal(t, uint64(0), q2.Stats().NBytesUsed)
}

func TestInsertFindDelete(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 10, 1<<20, 0o644)
	require.NoError(t, err)
	defer q.Close()

	p := makeProduct(t, "EXP/TEST/1", 1024)
	res, err := q.Insert(p)
	require.NoError(t, err)
	require.Equal(t, ResultOk, res)

	found, ok := q.FindBySignature(p.Info.Signature)
	require.True(t, ok)
	require.Equal(t, p.Info.Identifier, found.Info.Identifier)
	require.Equal(t, p.Payload, found.Payload)

	require.True(t, q.DeleteBySignature(p.Info.Signature))
	_, ok = q.FindBySignature(p.Info.Signature)
	require.False(t, ok)
	require.False(t, q.DeleteBySignature(p.Info.Signature))
}

func TestInsertDuplicateRejected(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 10, 1<<20, 0o644)
	require.NoError(t, err)
	defer q.Close()

	p := makeProduct(t, "EXP/TEST/1", 512)
	_, err = q.Insert(p)
	require.NoError(t, err)

	res, err := q.Insert(p)
	require.Error(t, err)
	require.True(t, ldm7.IsCode(err, ldm7.Duplicate))
	require.Equal(t, ResultDuplicate, res)
}

func TestInsertTooBig(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 10, 1024, 0o644)
	require.NoError(t, err)
	defer q.Close()

	p := makeProduct(t, "EXP/TEST/1", 2048)
	_, err = q.Insert(p)
	require.Error(t, err)
	require.True(t, ldm7.IsCode(err, ldm7.TooBig))
}

func TestSlotCapacityEviction(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 3, 1<<20, 0o644)
	require.NoError(t, err)
	defer q.Close()

	var sigs []ldm7.Signature
	for i := 0; i < 4; i++ {
		p := makeProduct(t, "EXP/TEST", 100+i)
		_, err := q.Insert(p)
		require.NoError(t, err)
		sigs = append(sigs, p.Info.Signature)
	}

	_, ok := q.FindBySignature(sigs[0])
	require.False(t, ok, "oldest product should have been evicted")
	for _, sig := range sigs[1:] {
		_, ok := q.FindBySignature(sig)
		require.True(t, ok)
	}
	require.Equal(t, uint32(3), q.Stats().NProducts)
}

func TestDataCapacityEviction(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 100, 1000, 0o644)
	require.NoError(t, err)
	defer q.Close()

	first := makeProduct(t, "EXP/A", 600)
	_, err = q.Insert(first)
	require.NoError(t, err)

	second := makeProduct(t, "EXP/B", 600)
	_, err = q.Insert(second)
	require.NoError(t, err)

	_, ok := q.FindBySignature(first.Info.Signature)
	require.False(t, ok, "first product should be evicted to make room under the byte cap")
	_, ok = q.FindBySignature(second.Info.Signature)
	require.True(t, ok)
}

func TestSequenceOrderAndCursor(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 10, 1<<20, 0o644)
	require.NoError(t, err)
	defer q.Close()

	var want []string
	for i := 0; i < 3; i++ {
		p := makeProduct(t, "EXP/SEQ", 64+i)
		_, err := q.Insert(p)
		require.NoError(t, err)
		want = append(want, p.Info.Signature.String())
		time.Sleep(time.Millisecond)
	}

	class := ldm7.MatchClass{Feed: ldm7.FeedAny}
	var got []string
	for i := 0; i < 3; i++ {
		outcome := q.Sequence(TVGT, class, func(info ldm7.ProductInfo, payload []byte) {
			got = append(got, info.Signature.String())
		})
		require.Equal(t, OutcomeOk, outcome)
	}
	require.Equal(t, want, got)

	outcome := q.Sequence(TVGT, class, func(ldm7.ProductInfo, []byte) {})
	require.Equal(t, OutcomeEnd, outcome)
}

func TestSequenceMatchClassFilter(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 10, 1<<20, 0o644)
	require.NoError(t, err)
	defer q.Close()

	nexrad := makeProduct(t, "NEXRAD/A", 64)
	nexrad.Info.FeedType = ldm7.FeedNEXRAD
	_, err = q.Insert(nexrad)
	require.NoError(t, err)

	exp := makeProduct(t, "EXP/A", 64)
	_, err = q.Insert(exp)
	require.NoError(t, err)

	class := ldm7.MatchClass{Feed: ldm7.FeedEXP}
	var matched ldm7.ProductInfo
	outcome := q.Sequence(TVGT, class, func(info ldm7.ProductInfo, payload []byte) {
		matched = info
	})
	require.Equal(t, OutcomeOk, outcome)
	require.Equal(t, exp.Info.Signature, matched.Signature)
}

func TestSuspendAndUnblockOnInsert(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 10, 1<<20, 0o644)
	require.NoError(t, err)
	defer q.Close()

	done := make(chan UnblockReason, 1)
	go func() {
		done <- q.SuspendAndUnblock(context.Background(), time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err = q.Insert(makeProduct(t, "EXP/WAKE", 32))
	require.NoError(t, err)

	require.Equal(t, UnblockNewProduct, <-done)
}

func TestSuspendAndUnblockTimeout(t *testing.T) {
	dir := t.TempDir()
	q, err := Create(filepath.Join(dir, "queue.pq"), 10, 1<<20, 0o644)
	require.NoError(t, err)
	defer q.Close()

	reason := q.SuspendAndUnblock(context.Background(), 20*time.Millisecond)
	require.Equal(t, UnblockTimeout, reason)
}

func TestOpenRejectsCorruptMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.pq")
	q, err := Create(path, 10, 1<<20, 0o644)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("GARBAGE!"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, ModeExclusive)
	require.Error(t, err)
	require.True(t, ldm7.IsCode(err, ldm7.Corrupt))
}
