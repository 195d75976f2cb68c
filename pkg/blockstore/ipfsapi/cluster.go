package ipfsapi

import (
	"context"
	"net/url"

	"github.com/ipfs/go-cid"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/cidutil"
)

// ClusterStore writes through an IPFS Cluster (pinning on every peer per the
// cluster's replication policy) and reads through the cluster's IPFS proxy,
// which speaks the plain /api/v0 block API.
type ClusterStore struct {
	cluster *httpClient
	proxy   *IPFSStore
}

// ClusterConfig configures a cluster-backed store
type ClusterConfig struct {
	// Cluster is the cluster REST API, e.g. http://127.0.0.1:9094
	Cluster ClientConfig
	// Proxy is the cluster's IPFS proxy, e.g. http://127.0.0.1:9095
	Proxy ClientConfig
}

// NewClusterStore creates a cluster-backed block store
func NewClusterStore(cfg ClusterConfig) (*ClusterStore, error) {
	cluster, err := newHTTPClient(cfg.Cluster, "cluster")
	if err != nil {
		return nil, err
	}
	proxy, err := NewIPFSStore(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	return &ClusterStore{cluster: cluster, proxy: proxy}, nil
}

type clusterAddResponse struct {
	Cid  string `json:"cid"`
	Name string `json:"name"`
}

// PutBlock adds raw bytes through the cluster, replicating per its policy
func (s *ClusterStore) PutBlock(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.Raw)
}

// PutNode adds dag-cbor bytes through the cluster
func (s *ClusterStore) PutNode(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.DagCBOR)
}

func (s *ClusterStore) put(ctx context.Context, data []byte, codec cidutil.Codec) (cid.Cid, error) {
	if len(data) > blockstore.MaxBlockSize {
		return cid.Undef, &blockstore.StoreError{Code: blockstore.CodeInvalidInput, Message: "block exceeds maximum size", Backend: "cluster"}
	}

	path := "/add?format=" + url.QueryEscape(codec.Name()) + "&hash-function=blake3&raw-leaves=true&wrap-with-directory=false"
	resp, err := s.cluster.postMultipart(ctx, path, data)
	if err != nil {
		return cid.Undef, err
	}

	var parsed clusterAddResponse
	if err := decodeJSON("cluster", resp, &parsed); err != nil {
		return cid.Undef, err
	}

	c, err := cidutil.Parse(parsed.Cid)
	if err != nil {
		return cid.Undef, &blockstore.StoreError{Code: blockstore.CodeSerialization, Message: "cluster returned unparseable CID", Backend: "cluster", Cause: err}
	}
	if !c.Equals(cidutil.NewCid(data, codec)) {
		return cid.Undef, &blockstore.StoreError{Code: blockstore.CodeIntegrity, Message: "cluster returned unexpected CID", CID: c, Backend: "cluster"}
	}
	return c, nil
}

// GetBlock reads through the IPFS proxy
func (s *ClusterStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	return s.proxy.GetBlock(ctx, c)
}

// HasBlock checks through the IPFS proxy
func (s *ClusterStore) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	return s.proxy.HasBlock(ctx, c)
}

// DeleteBlock unpins the CID cluster-wide
func (s *ClusterStore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	_, err := s.cluster.do(ctx, "DELETE", "/pins/"+c.String(), "", nil, "")
	if blockstore.IsNotFound(err) {
		return nil
	}
	return err
}

// BlockSize reads through the IPFS proxy
func (s *ClusterStore) BlockSize(ctx context.Context, c cid.Cid) (uint64, error) {
	return s.proxy.BlockSize(ctx, c)
}
