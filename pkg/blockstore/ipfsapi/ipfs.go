package ipfsapi

import (
	"context"
	"errors"
	"net/url"

	"github.com/ipfs/go-cid"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/cidutil"
)

// IPFSStore talks to a Kubo node's /api/v0 block endpoints
type IPFSStore struct {
	http *httpClient
}

// NewIPFSStore creates a block store client against an IPFS node
func NewIPFSStore(cfg ClientConfig) (*IPFSStore, error) {
	h, err := newHTTPClient(cfg, "ipfs")
	if err != nil {
		return nil, err
	}
	return &IPFSStore{http: h}, nil
}

type blockPutResponse struct {
	Key  string `json:"Key"`
	Size int    `json:"Size"`
}

// PutBlock stores raw bytes on the node
func (s *IPFSStore) PutBlock(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.Raw)
}

// PutNode stores dag-cbor bytes on the node
func (s *IPFSStore) PutNode(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.DagCBOR)
}

func (s *IPFSStore) put(ctx context.Context, data []byte, codec cidutil.Codec) (cid.Cid, error) {
	if len(data) > blockstore.MaxBlockSize {
		return cid.Undef, &blockstore.StoreError{Code: blockstore.CodeInvalidInput, Message: "block exceeds maximum size", Backend: "ipfs"}
	}

	path := "/api/v0/block/put?cid-codec=" + url.QueryEscape(codec.Name()) + "&mhtype=blake3&mhlen=32"
	resp, err := s.http.postMultipart(ctx, path, data)
	if err != nil {
		return cid.Undef, err
	}

	var parsed blockPutResponse
	if err := decodeJSON("ipfs", resp, &parsed); err != nil {
		return cid.Undef, err
	}

	c, err := cidutil.Parse(parsed.Key)
	if err != nil {
		return cid.Undef, &blockstore.StoreError{Code: blockstore.CodeSerialization, Message: "node returned unparseable CID", Backend: "ipfs", Cause: err}
	}

	// The node hashes independently; a mismatch with our local CID means the
	// bytes were mangled in transit.
	if !c.Equals(cidutil.NewCid(data, codec)) {
		return cid.Undef, &blockstore.StoreError{Code: blockstore.CodeIntegrity, Message: "node returned unexpected CID", CID: c, Backend: "ipfs"}
	}
	return c, nil
}

// GetBlock retrieves block bytes, verifying them against the CID
func (s *IPFSStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := s.http.post(ctx, "/api/v0/block/get?arg="+c.String())
	if err != nil {
		return nil, withCid(err, c)
	}
	if !cidutil.Verify(data, c) {
		return nil, &blockstore.StoreError{Code: blockstore.CodeIntegrity, Message: "block bytes do not match CID", CID: c, Backend: "ipfs"}
	}
	return data, nil
}

// HasBlock checks block presence via block/stat
func (s *IPFSStore) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := s.http.post(ctx, "/api/v0/block/stat?arg="+c.String())
	if blockstore.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, withCid(err, c)
	}
	return true, nil
}

// DeleteBlock removes a block from the node
func (s *IPFSStore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	_, err := s.http.post(ctx, "/api/v0/block/rm?force=true&arg="+c.String())
	if blockstore.IsNotFound(err) {
		return nil
	}
	return withCid(err, c)
}

type blockStatResponse struct {
	Key  string `json:"Key"`
	Size uint64 `json:"Size"`
}

// BlockSize returns the stored size of a block
func (s *IPFSStore) BlockSize(ctx context.Context, c cid.Cid) (uint64, error) {
	resp, err := s.http.post(ctx, "/api/v0/block/stat?arg="+c.String())
	if err != nil {
		return 0, withCid(err, c)
	}
	var parsed blockStatResponse
	if err := decodeJSON("ipfs", resp, &parsed); err != nil {
		return 0, err
	}
	return parsed.Size, nil
}

func withCid(err error, c cid.Cid) error {
	if err == nil {
		return nil
	}
	var se *blockstore.StoreError
	if errors.As(err, &se) && !se.CID.Defined() {
		se.CID = c
	}
	return err
}
