package modelstore

import "testing"

func TestParseS3URI(t *testing.T) {
	cases := []struct {
		name       string
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{name: "valid", uri: "s3://my-bucket/models/llama.bin", wantBucket: "my-bucket", wantKey: "models/llama.bin"},
		{name: "wrong scheme", uri: "https://example.com/model.bin", wantErr: true},
		{name: "missing key", uri: "s3://my-bucket/", wantErr: true},
		{name: "missing bucket", uri: "s3:///key", wantErr: true},
		{name: "not a uri", uri: "::not a uri::", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bucket, key, err := parseS3URI(tc.uri)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseS3URI(%q) = nil error, want error", tc.uri)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseS3URI(%q) unexpected error: %v", tc.uri, err)
			}
			if bucket != tc.wantBucket || key != tc.wantKey {
				t.Fatalf("parseS3URI(%q) = (%q, %q), want (%q, %q)", tc.uri, bucket, key, tc.wantBucket, tc.wantKey)
			}
		})
	}
}

func TestIsRemoteSource(t *testing.T) {
	if !IsRemoteSource("s3://bucket/key") {
		t.Error("expected s3:// source to be remote")
	}
	if IsRemoteSource("/local/path/model.bin") {
		t.Error("expected local path to not be remote")
	}
	if IsRemoteSource("") {
		t.Error("expected empty source to not be remote")
	}
}
