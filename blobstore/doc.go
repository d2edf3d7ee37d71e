// Package blobstore provides the archive sink for attribute versions pruned
// past the retention limit. Backends: local file system, in-memory (tests),
// and MinIO/S3-compatible object storage (subpackage minio).
package blobstore
