package blobstore

// Container names a bucket. Existence is tracked by the backend only.
type Container struct {
	ID string `json:"id"`
}

// FileBlob is an object inside a container. Container is a snapshot of the
// container id at the time the blob was listed.
type FileBlob struct {
	ID        string    `json:"id"`
	Container Container `json:"container"`
	ByteSize  uint64    `json:"byte_size"`
}

// BlobList is the result of list_objects.
type BlobList []FileBlob

// FileChunk is one piece of a chunked upload or download.
type FileChunk struct {
	SequenceNo uint64    `json:"sequence_no"`
	Container  Container `json:"container"`
	ID         string    `json:"id"`
	TotalBytes uint64    `json:"total_bytes"`
	ChunkSize  uint64    `json:"chunk_size"`
	Context    *string   `json:"context,omitempty"`
	ChunkBytes []byte    `json:"chunk_bytes"`
}

// Result is the soft outcome of an operation: success, or failure with a
// human-readable message.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RemoveObjectRequest names the object to delete.
type RemoveObjectRequest struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
}

// StartDownloadRequest asks for an object to be streamed back in chunks.
// ChunkSize 0 selects the service default.
type StartDownloadRequest struct {
	BlobID      string  `json:"blob_id"`
	ContainerID string  `json:"container_id"`
	ChunkSize   uint64  `json:"chunk_size"`
	Context     *string `json:"context,omitempty"`
}

// GetObjectInfoRequest names the object to describe.
type GetObjectInfoRequest struct {
	BlobID      string `json:"blob_id"`
	ContainerID string `json:"container_id"`
}

func success() Result {
	return Result{Success: true}
}

func failure(err error) Result {
	return Result{Error: err.Error()}
}
