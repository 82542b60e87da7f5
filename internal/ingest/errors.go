package ingest

import "fmt"

// IngestionError marks an upload that failed before its bytes became durable,
// from a truncated stream or a storage write failure. No video record or tasks
// exist when it is returned.
type IngestionError struct {
	VideoID string
	Err     error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest upload %s: %v", e.VideoID, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// MetadataExtractionError marks an upload whose bytes were stored but whose
// container could not be probed. No video record or tasks exist when it is
// returned.
type MetadataExtractionError struct {
	SourcePath string
	Err        error
}

func (e *MetadataExtractionError) Error() string {
	return fmt.Sprintf("extract metadata from %s: %v", e.SourcePath, e.Err)
}

func (e *MetadataExtractionError) Unwrap() error {
	return e.Err
}

// DispatchError marks an upload whose metadata was recorded but whose task
// batch could not be enqueued. None of the batch was published.
type DispatchError struct {
	VideoID string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch tasks for video %s: %v", e.VideoID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
