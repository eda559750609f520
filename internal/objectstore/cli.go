package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
)

// CLIStore runs `aws s3api` subcommands.
type CLIStore struct {
	awsPath  string
	region   string
	endpoint string
	runner   command.Runner
}

// NewCLIStore creates a CLI-backed store.
func NewCLIStore(awsPath, region, endpoint string, runner command.Runner) *CLIStore {
	if awsPath == "" {
		awsPath = "aws"
	}
	return &CLIStore{awsPath: awsPath, region: region, endpoint: endpoint, runner: runner}
}

type objectID struct {
	Key string `json:"Key"`
}

type deleteRequest struct {
	Objects []objectID `json:"Objects"`
	Quiet   bool       `json:"Quiet"`
}

type deleteError struct {
	Key     string `json:"Key"`
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type deleteResponse struct {
	Errors []deleteError `json:"Errors"`
}

type tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type tagging struct {
	TagSet []tag `json:"TagSet"`
}

func (s *CLIStore) s3api(sub string, args ...string) []string {
	out := append([]string{"s3api", sub}, args...)
	if s.region != "" {
		out = append(out, "--region", s.region)
	}
	if s.endpoint != "" {
		out = append(out, "--endpoint-url", s.endpoint)
	}
	return append(out, "--output", "json")
}

// DeleteObjects issues one delete-objects request for keys.
func (s *CLIStore) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	req := deleteRequest{Objects: make([]objectID, len(keys)), Quiet: true}
	for i, k := range keys {
		req.Objects[i] = objectID{Key: k}
	}
	doc, cleanup, err := payloadFile("delete-objects", req)
	if err != nil {
		return err
	}
	defer cleanup()

	res, runErr := s.runner.Run(ctx, s.awsPath, s.s3api("delete-objects",
		"--bucket", bucket, "--delete", doc)...)
	if err := command.Check("delete-objects", res, runErr); err != nil {
		return err
	}

	return parseDeleteResponse(res.Stdout)
}

// payloadFile writes v as JSON to a temp file and returns it as a file://
// argument. A full 250-key batch can exceed the per-argument limit of exec.
func payloadFile(op string, v any) (string, func(), error) {
	f, err := os.CreateTemp("", op+"-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("create %s payload: %w", op, err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write %s payload: %w", op, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close %s payload: %w", op, err)
	}
	return "file://" + f.Name(), cleanup, nil
}

// parseDeleteResponse turns per-key errors in a delete-objects response into
// a single classified error.
func parseDeleteResponse(stdout string) error {
	if strings.TrimSpace(stdout) == "" {
		return nil
	}

	var resp deleteResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		return fmt.Errorf("parse delete-objects response: %w", err)
	}
	if len(resp.Errors) == 0 {
		return nil
	}

	class := command.Transient
	var detail strings.Builder
	for i, e := range resp.Errors {
		if command.ClassifyText(e.Code+" "+e.Message) == command.Fatal {
			class = command.Fatal
		}
		if i < 3 {
			fmt.Fprintf(&detail, "%s: %s %s; ", e.Key, e.Code, e.Message)
		}
	}

	return &command.Error{
		Op:     fmt.Sprintf("delete-objects (%d keys failed)", len(resp.Errors)),
		Class:  class,
		Stderr: strings.TrimSuffix(detail.String(), "; "),
	}
}

// Exists runs head-object. A 404 is reported as (false, nil).
func (s *CLIStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	res, runErr := s.runner.Run(ctx, s.awsPath, s.s3api("head-object",
		"--bucket", bucket, "--key", key)...)
	if runErr == nil && res.ExitCode == 0 {
		return true, nil
	}
	if runErr == nil && isNotFound(res.Stderr) {
		return false, nil
	}
	return false, command.Check("head-object", res, runErr)
}

func isNotFound(stderr string) bool {
	return strings.Contains(stderr, "Not Found") ||
		strings.Contains(stderr, "NoSuchKey") ||
		strings.Contains(stderr, "(404)")
}

// Tag runs put-object-tagging with tags sorted by key.
func (s *CLIStore) Tag(ctx context.Context, bucket, key string, tags map[string]string) error {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)

	set := tagging{TagSet: make([]tag, 0, len(names))}
	for _, k := range names {
		set.TagSet = append(set.TagSet, tag{Key: k, Value: tags[k]})
	}
	doc, cleanup, err := payloadFile("put-object-tagging", set)
	if err != nil {
		return err
	}
	defer cleanup()

	res, runErr := s.runner.Run(ctx, s.awsPath, s.s3api("put-object-tagging",
		"--bucket", bucket, "--key", key, "--tagging", doc)...)
	return command.Check("put-object-tagging", res, runErr)
}

// Close is a no-op.
func (s *CLIStore) Close() error { return nil }
