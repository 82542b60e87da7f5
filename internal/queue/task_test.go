package queue

import (
	"strings"
	"testing"

	"vodworks/internal/media"
)

func TestEncodeDecodeTask(t *testing.T) {
	task := NewTask("vid-1", media.Quality720p, "/data/sources/vid-1/source")
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTask(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != task {
		t.Fatalf("expected %+v, got %+v", task, decoded)
	}
}

func TestDecodeTaskRejectsWrongSchemaVersion(t *testing.T) {
	_, err := DecodeTask([]byte(`{"schemaVersion":99,"videoId":"vid-1","quality":"720p","sourcePath":"/tmp/a"}`))
	if err == nil || !strings.Contains(err.Error(), "schema version") {
		t.Fatalf("expected schema version error, got %v", err)
	}
}

func TestTaskValidate(t *testing.T) {
	cases := []struct {
		name string
		task Task
	}{
		{name: "missing video id", task: Task{SchemaVersion: TaskSchemaVersion, Quality: media.Quality360p, SourcePath: "/tmp/a"}},
		{name: "bad quality", task: Task{SchemaVersion: TaskSchemaVersion, VideoID: "v", Quality: "8k", SourcePath: "/tmp/a"}},
		{name: "missing source", task: Task{SchemaVersion: TaskSchemaVersion, VideoID: "v", Quality: media.Quality360p}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.task.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
