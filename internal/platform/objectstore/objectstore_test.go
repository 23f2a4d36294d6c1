package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		UseSSL:    false,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.SecretKey = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing secret key")
	}
}

func TestParseConnection_S3(t *testing.T) {
	base := Config{Region: "eu-de"}
	conn, err := ParseConnection("s3://AK:SK@s3.eu-de.example.com/bucket/coordinator/", base)
	if err != nil {
		t.Fatalf("ParseConnection() err=%v", err)
	}
	if !conn.Remote {
		t.Fatalf("ParseConnection() Remote=false, want true")
	}
	if conn.Config.Endpoint != "s3.eu-de.example.com" || conn.Config.AccessKey != "AK" || conn.Config.SecretKey != "SK" {
		t.Fatalf("ParseConnection() config=%+v", conn.Config)
	}
	if !conn.Config.UseSSL {
		t.Fatalf("ParseConnection() UseSSL=false, want true")
	}
	if conn.Config.Region != "eu-de" {
		t.Fatalf("ParseConnection() Region=%q, want eu-de", conn.Config.Region)
	}
	if conn.Path != "bucket/coordinator" {
		t.Fatalf("ParseConnection() Path=%q, want bucket/coordinator", conn.Path)
	}
	if got := conn.Redacted(); got != "s3://AK@s3.eu-de.example.com/bucket/coordinator" {
		t.Fatalf("Redacted()=%q", got)
	}
}

func TestParseConnection_PlainHTTP(t *testing.T) {
	conn, err := ParseConnection("http+s3://AK:SK@localhost:9000/data", Config{})
	if err != nil {
		t.Fatalf("ParseConnection() err=%v", err)
	}
	if conn.Config.UseSSL {
		t.Fatalf("ParseConnection() UseSSL=true, want false")
	}
	if conn.Config.Endpoint != "localhost:9000" || conn.Path != "data" {
		t.Fatalf("ParseConnection()=%+v", conn)
	}
}

func TestParseConnection_DefaultCredentials(t *testing.T) {
	base := Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b", Region: "us-east-1"}
	conn, err := ParseConnection("s3://bucket/prefix", base)
	if err != nil {
		t.Fatalf("ParseConnection() err=%v", err)
	}
	if !conn.Remote || conn.Config != base || conn.Path != "bucket/prefix" {
		t.Fatalf("ParseConnection()=%+v", conn)
	}
}

func TestParseConnection_LocalPath(t *testing.T) {
	conn, err := ParseConnection("/data/coordinator", Config{})
	if err != nil {
		t.Fatalf("ParseConnection() err=%v", err)
	}
	if conn.Remote || conn.Path != "/data/coordinator" {
		t.Fatalf("ParseConnection()=%+v, want local path", conn)
	}
}

func TestParseConnection_MissingSecret(t *testing.T) {
	if _, err := ParseConnection("s3://AK@host/bucket", Config{}); err == nil {
		t.Fatalf("ParseConnection() expected error")
	}
}
