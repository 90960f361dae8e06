package proto

import (
	"bytes"
	"testing"

	"orionmesh/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte(`{"t":"M","id":"x","f":"A","fn":"a","tx":"hi","e":false,"ts":1,"ttl":50,"h":0}`))
	f.Add([]byte(`{"t":"SYNC_IDS","ids":["a","b"]}`))
	f.Add([]byte(`{"t":"SYNC_MSGS","m":[{"id":"x"}]}`))
	f.Add([]byte(`{"t":"S","m":null}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			fr, err := DecodeFrame(data)
			if err == nil {
				_, _ = EncodeFrame(fr)
			}
		})
	})
}

func FuzzLineReader(f *testing.F) {
	f.Add([]byte("{}\n{}\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			r := NewLineReader(bytes.NewReader(data), 1024)
			for i := 0; i < 64; i++ {
				if _, err := r.ReadLine(); err != nil {
					return
				}
			}
		})
	})
}
