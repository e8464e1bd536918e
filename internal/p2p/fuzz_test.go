package p2p

import (
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
)

// FuzzHeadersAnnouncementUnmarshal checks that arbitrary JSON never panics
// once decoded as a headers announcement and hashed.
func FuzzHeadersAnnouncementUnmarshal(f *testing.F) {
	f.Add([]byte(`{"headers":[{"version":1,"timestamp":1000,"height":1}]}`))
	f.Add([]byte(`{"headers":[null]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var ann HeadersAnnouncement
		if err := json.Unmarshal(data, &ann); err != nil {
			return
		}
		for _, h := range ann.Headers {
			if h != nil {
				h.Hash()
				h.Work()
			}
		}
	})
}

// FuzzBlockMessageUnmarshal checks that arbitrary JSON never panics once
// decoded as a gossip block.
func FuzzBlockMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"header":{"version":1,"timestamp":1000,"height":0},"transactions":[]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"header":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var blk block.Block
		if err := json.Unmarshal(data, &blk); err != nil || blk.Header == nil || hasNilTx(blk.Transactions) {
			return
		}
		blk.Hash()
		blk.Body().MerkleRoot()
	})
}

// FuzzBodyRequestUnmarshal checks body and header requests.
func FuzzBodyRequestUnmarshal(f *testing.F) {
	f.Add([]byte(`{"hash":"00"}`))
	f.Add([]byte(`{"locator":[],"max":10}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var req BodyRequest
		_ = json.Unmarshal(data, &req)
		var hreq HeadersRequest
		_ = json.Unmarshal(data, &hreq)
	})
}
