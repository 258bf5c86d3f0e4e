package rpc

import (
	"context"
	"testing"
)

func BenchmarkCallSync(b *testing.B) {
	p := newPair(b)
	p.service.OnSyncCall("echo", func(ctx context.Context, call *SyncCall) (any, error) {
		return call.Params, nil
	})
	params := map[string]int{"a": 1, "b": 2}
	rd := ResultBuffer(64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.client.CallSync(context.Background(), "echo", params, rd, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCallAsync(b *testing.B) {
	p := newPair(b)
	p.service.OnAsyncCall("echo", func(ctx context.Context, call *Call) (any, error) {
		return call.Params, nil
	})
	params := map[string]int{"a": 1, "b": 2}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := p.client.CallAsync(context.Background(), "echo", params, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCallSyncParallel(b *testing.B) {
	p := newPair(b)
	p.service.OnSyncCall("echo", func(ctx context.Context, call *SyncCall) (any, error) {
		return call.Params, nil
	})

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := p.client.CallSync(context.Background(), "echo", 1, ResultBuffer(16), 0); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
