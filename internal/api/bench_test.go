package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

func BenchmarkThreadCreate(b *testing.B) {
	alice := newTestSigner(1)
	router := newTestRouter(&mockBackend{})
	body := createBody(alice.addr)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := alice.request(http.MethodPost, "/ojs/v1/threads", body)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkThreadGet(b *testing.B) {
	authority := core.Address{0xA1}
	backend := &mockBackend{
		getFunc: func(ctx context.Context, addr core.Address) (*core.Thread, error) {
			return testThread(authority), nil
		},
	}
	router := newTestRouter(backend)
	path := "/ojs/v1/threads/" + core.ThreadAddress(authority, "t1").String()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkThreadCrank(b *testing.B) {
	worker := newTestSigner(7)
	router := newTestRouter(&mockBackend{})
	path := "/ojs/v1/threads/" + core.ThreadAddress(core.Address{0xA1}, "t1").String() + "/crank"

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := worker.request(http.MethodPost, path, `{"expected_next_index":0}`)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkHealthCheck(b *testing.B) {
	router := newTestRouter(&mockBackend{})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ojs/v1/health", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}
