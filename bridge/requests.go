package bridge

import (
	"context"
	"fmt"

	"gitlab.com/NebulousLabs/errors"

	"github.com/storjlib/bridgeclient/shardmeta"
)

// Info returns the bridge's API info document (GET /).
func (t *Transport) Info(ctx context.Context) (map[string]interface{}, error) {
	resp, err := t.Request(ctx, "GET", "/", nil)
	if err != nil {
		return nil, err
	}
	var info map[string]interface{}
	if err := resp.Decode(&info); err != nil {
		return nil, errors.AddContext(err, "unable to decode bridge info")
	}
	return info, nil
}

// Contacts looks up the directory, or a single contact if nodeID is set.
func (t *Transport) Contacts(ctx context.Context, nodeID string) ([]shardmeta.Contact, error) {
	path := "/contacts"
	if nodeID != "" {
		path += "/" + nodeID
	}
	resp, err := t.Request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var contacts []shardmeta.Contact
	if nodeID != "" {
		var one shardmeta.Contact
		if err := resp.Decode(&one); err != nil {
			return nil, errors.AddContext(err, "unable to decode contact")
		}
		return []shardmeta.Contact{one}, nil
	}
	if err := resp.Decode(&contacts); err != nil {
		return nil, errors.AddContext(err, "unable to decode contacts")
	}
	return contacts, nil
}

// CreateUser registers an account; the password is SHA-256-hashed
// client-side before being sent (spec.md §6).
func (t *Transport) CreateUser(ctx context.Context, email, password string) error {
	_, err := t.Request(ctx, "POST", "/users", map[string]interface{}{
		"email":    email,
		"password": hashPassword(password),
	})
	return err
}

// DeleteUser removes an account.
func (t *Transport) DeleteUser(ctx context.Context, email string) error {
	_, err := t.Request(ctx, "DELETE", "/users/"+email, nil)
	return err
}

// AddPublicKey registers a public key for the authenticated account.
func (t *Transport) AddPublicKey(ctx context.Context, pubkey string) error {
	_, err := t.Request(ctx, "POST", "/keys", map[string]interface{}{"key": pubkey})
	return err
}

// RemovePublicKey removes a previously registered public key.
func (t *Transport) RemovePublicKey(ctx context.Context, pubkey string) error {
	_, err := t.Request(ctx, "DELETE", "/keys/"+pubkey, nil)
	return err
}

// Bucket is the subset of bridge-side bucket metadata this client needs.
type Bucket struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateBucket creates a bucket.
func (t *Transport) CreateBucket(ctx context.Context, name string) (*Bucket, error) {
	resp, err := t.Request(ctx, "POST", "/buckets", map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}
	var b Bucket
	if err := resp.Decode(&b); err != nil {
		return nil, errors.AddContext(err, "unable to decode bucket")
	}
	return &b, nil
}

// DeleteBucket removes a bucket.
func (t *Transport) DeleteBucket(ctx context.Context, bucketID string) error {
	_, err := t.Request(ctx, "DELETE", "/buckets/"+bucketID, nil)
	return err
}

// BucketFile is one entry in a bucket's file listing.
type BucketFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	Frame    string `json:"frame"`
}

// ListBucketFiles lists a bucket's files (GET /buckets/{id}/files).
func (t *Transport) ListBucketFiles(ctx context.Context, bucketID string) ([]BucketFile, error) {
	resp, err := t.Request(ctx, "GET", "/buckets/"+bucketID+"/files", nil)
	if err != nil {
		return nil, err
	}
	var files []BucketFile
	if err := resp.Decode(&files); err != nil {
		return nil, errors.AddContext(err, "unable to decode bucket files")
	}
	return files, nil
}

// CreateToken requests a short-lived PUSH or PULL token for a bucket.
func (t *Transport) CreateToken(ctx context.Context, bucketID string, operation shardmeta.ChannelType) (string, error) {
	resp, err := t.Request(ctx, "POST", "/buckets/"+bucketID+"/tokens", map[string]interface{}{
		"operation": string(operation),
	})
	if err != nil {
		return "", err
	}
	var decoded struct {
		Token string `json:"token"`
	}
	if err := resp.Decode(&decoded); err != nil {
		return "", errors.AddContext(err, "unable to decode token")
	}
	return decoded.Token, nil
}

// DeleteFile removes a file from a bucket.
func (t *Transport) DeleteFile(ctx context.Context, bucketID, fileID string) error {
	_, err := t.Request(ctx, "DELETE", "/buckets/"+bucketID+"/files/"+fileID, nil)
	return err
}

// Mirror requests bridge-side redundancy for a file (spec.md §6
// POST /buckets/{id}/mirrors; resolves the "replicateFileFromBucket"
// Open Question from spec.md §9 — mirroring is entirely bridge-side, so
// there is no client concurrency parameter).
func (t *Transport) Mirror(ctx context.Context, bucketID, fileID string, redundancy int) error {
	_, err := t.Request(ctx, "POST", "/buckets/"+bucketID+"/mirrors", map[string]interface{}{
		"file":       fileID,
		"redundancy": redundancy,
	})
	return err
}

// CreateFrame requests a fresh staging frame (spec.md §4.6 step 4).
func (t *Transport) CreateFrame(ctx context.Context) (*shardmeta.Frame, error) {
	resp, err := t.Request(ctx, "POST", "/frames", nil)
	if err != nil {
		return nil, err
	}
	var f shardmeta.Frame
	if err := resp.Decode(&f); err != nil {
		return nil, errors.AddContext(err, "unable to decode frame")
	}
	return &f, nil
}

// DeleteFrame discards a staging frame.
func (t *Transport) DeleteFrame(ctx context.Context, frameID string) error {
	_, err := t.Request(ctx, "DELETE", "/frames/"+frameID, nil)
	return err
}

// GetFrame fetches a frame's shard descriptor list, used by
// CreateFileSliceStream to compute the pointer window a byte range falls
// within (spec.md §4.8.4).
func (t *Transport) GetFrame(ctx context.Context, frameID string) (*shardmeta.Frame, error) {
	resp, err := t.Request(ctx, "GET", "/frames/"+frameID, nil)
	if err != nil {
		return nil, err
	}
	var f shardmeta.Frame
	if err := resp.Decode(&f); err != nil {
		return nil, errors.AddContext(err, "unable to decode frame")
	}
	return &f, nil
}

// AddShardRequest is the body of PUT /frames/{id} (spec.md §6).
type AddShardRequest struct {
	Hash       string   `json:"hash"`
	Size       int64    `json:"size"`
	Index      int      `json:"index"`
	Challenges [][]byte `json:"challenges"`
	Tree       [][]byte `json:"tree"`
	Exclude    []string `json:"exclude"`
}

// AddShardToFrame adds one shard descriptor to a staging frame and
// returns the pointer the bridge issues for it (spec.md §4.6 step 6). The
// PUSH token obtained from CreateToken authorizes the call via the same
// x-token header GetFilePointers uses for PULL. Retry is the caller's
// responsibility (see upload's contract-acquisition loop); Transport
// performs exactly one HTTP round trip per call.
func (t *Transport) AddShardToFrame(ctx context.Context, frameID, token string, req AddShardRequest) (*shardmeta.Pointer, error) {
	resp, err := t.requestWithHeader(ctx, "PUT", "/frames/"+frameID, map[string]interface{}{
		"hash":       req.Hash,
		"size":       req.Size,
		"index":      req.Index,
		"challenges": req.Challenges,
		"tree":       req.Tree,
		"exclude":    req.Exclude,
	}, "x-token", token)
	if err != nil {
		return nil, err
	}
	var p shardmeta.Pointer
	if err := resp.Decode(&p); err != nil {
		return nil, errors.AddContext(err, "unable to decode pointer")
	}
	return &p, nil
}

// FinalizeFile creates the bucket's file entry from a completed frame
// (spec.md §4.6 step 7).
func (t *Transport) FinalizeFile(ctx context.Context, bucketID, frameID, mimetype, filename string) (*BucketFile, error) {
	resp, err := t.Request(ctx, "POST", "/buckets/"+bucketID+"/files", map[string]interface{}{
		"frame":    frameID,
		"mimetype": mimetype,
		"filename": filename,
	})
	if err != nil {
		return nil, err
	}
	var f BucketFile
	if err := resp.Decode(&f); err != nil {
		return nil, errors.AddContext(err, "unable to decode finalized file")
	}
	return &f, nil
}

// GetFilePointers resolves a pointer window for a file (spec.md §4.8.1,
// §6: GET /buckets/{id}/files/{file}?skip&limit&exclude, header x-token).
func (t *Transport) GetFilePointers(ctx context.Context, bucketID, fileID, token string, skip, limit int, exclude []string) ([]shardmeta.Pointer, error) {
	params := map[string]interface{}{
		"skip":  skip,
		"limit": limit,
	}
	if len(exclude) > 0 {
		params["exclude"] = joinComma(exclude)
	}
	// x-token is a header, not a query param; Request only injects
	// __nonce and auth headers, so send it through requestWithHeader
	// rather than the generic params map.
	resp, err := t.requestWithHeader(ctx, "GET", fmt.Sprintf("/buckets/%s/files/%s", bucketID, fileID), params, "x-token", token)
	if err != nil {
		return nil, err
	}
	var pointers []shardmeta.Pointer
	if err := resp.Decode(&pointers); err != nil {
		return nil, errors.AddContext(err, "unable to decode pointers")
	}
	return pointers, nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func hashPassword(password string) string {
	return shaHex(password)
}
