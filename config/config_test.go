package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMailConfig(t *testing.T) {
	cfg := DefaultMailConfig()
	if cfg.Hostname != "localhost" || cfg.Port != 25 {
		t.Errorf("default address = %v", cfg.Addr())
	}
	if cfg.StartTLS != TLSOptional {
		t.Errorf("default StartTLS = %v", cfg.StartTLS)
	}
	if cfg.Login != LoginNone {
		t.Errorf("default Login = %v", cfg.Login)
	}
	if !cfg.KeepAlive || cfg.IdleTimeout != 300 || cfg.MaxPoolSize != 10 {
		t.Errorf("default pool settings = keepAlive:%v idle:%v max:%v",
			cfg.KeepAlive, cfg.IdleTimeout, cfg.MaxPoolSize)
	}
	if cfg.EhloHostname == "" {
		t.Error("EhloHostname must default to the local hostname")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestMailConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MailConfig)
		ok     bool
	}{
		{"defaults", func(c *MailConfig) {}, true},
		{"empty hostname", func(c *MailConfig) { c.Hostname = "" }, false},
		{"port zero", func(c *MailConfig) { c.Port = 0 }, false},
		{"port too large", func(c *MailConfig) { c.Port = 70000 }, false},
		{"pool size zero", func(c *MailConfig) { c.MaxPoolSize = 0 }, false},
		{"negative idle timeout", func(c *MailConfig) { c.IdleTimeout = -1 }, false},
		{"login required without credentials", func(c *MailConfig) { c.Login = LoginRequired }, false},
		{"login required with credentials", func(c *MailConfig) {
			c.Login = LoginRequired
			c.Username = "u"
			c.Password = "p"
		}, true},
	}

	for _, tt := range tests {
		cfg := DefaultMailConfig()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("%v: unexpected error %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%v: validation should have failed", tt.name)
		}
	}
}

func TestAllowedAuthMethods(t *testing.T) {
	cfg := DefaultMailConfig()
	if got := cfg.AllowedAuthMethods(); got != nil {
		t.Errorf("empty allow-list = %v, want nil", got)
	}
	cfg.AuthMethods = "plain  cram-md5"
	got := cfg.AllowedAuthMethods()
	if len(got) != 2 || got[0] != "PLAIN" || got[1] != "CRAM-MD5" {
		t.Errorf("AllowedAuthMethods() = %v", got)
	}
}

func writeConfigFile(t *testing.T, content string) (string, func()) {
	dir, err := ioutil.TempDir("", "mailer-config")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "mailer.conf")
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return path, func() { os.RemoveAll(dir) }
}

func TestLoadConfig(t *testing.T) {
	path, cleanup := writeConfigFile(t, `[logging]
level=info

[mail]
hostname=smtp.example.com
port=587
starttls=REQUIRED
login=REQUIRED
username=user
password=secret
auth.methods=PLAIN CRAM-MD5
keep.alive=false
idle.timeout.seconds=60
max.pool.size=5

[web]
ip4.address=127.0.0.1
ip4.port=8080
send.timeout.seconds=30

[datastore]
journal=true
mongo.uri=mongodb://localhost/
mongo.db=maildb

[events]
redis.enabled=true
redis.host=localhost
`)
	defer cleanup()

	if err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	mc := GetMailConfig()
	if mc.Hostname != "smtp.example.com" || mc.Port != 587 {
		t.Errorf("mail address = %v", mc.Addr())
	}
	if mc.StartTLS != TLSRequired {
		t.Errorf("StartTLS = %v", mc.StartTLS)
	}
	if mc.Login != LoginRequired || mc.Username != "user" || mc.Password != "secret" {
		t.Errorf("login = %v %v/%v", mc.Login, mc.Username, mc.Password)
	}
	if mc.AuthMethods != "PLAIN CRAM-MD5" {
		t.Errorf("AuthMethods = %q", mc.AuthMethods)
	}
	if mc.KeepAlive || mc.IdleTimeout != 60 || mc.MaxPoolSize != 5 {
		t.Errorf("pool settings = keepAlive:%v idle:%v max:%v",
			mc.KeepAlive, mc.IdleTimeout, mc.MaxPoolSize)
	}

	wc := GetWebConfig()
	if wc.Ip4address != "127.0.0.1" || wc.Ip4port != 8080 || wc.SendTimeout != 30 {
		t.Errorf("web config = %+v", wc)
	}

	dc := GetDataStoreConfig()
	if !dc.JournalEnabled || dc.MongoUri != "mongodb://localhost/" {
		t.Errorf("datastore config = %+v", dc)
	}
	if dc.MongoDb != "maildb" || dc.MongoColl != "Deliveries" {
		t.Errorf("mongo target = %v.%v", dc.MongoDb, dc.MongoColl)
	}

	ec := GetEventsConfig()
	if !ec.RedisEnabled || ec.RedisHost != "localhost" {
		t.Errorf("events config = %+v", ec)
	}
	if ec.RedisPort != 6379 || ec.RedisChannel != "mailer.deliveries" {
		t.Errorf("redis defaults = %v/%v", ec.RedisPort, ec.RedisChannel)
	}
}

func TestLoadConfigMissingSection(t *testing.T) {
	path, cleanup := writeConfigFile(t, `[logging]
level=info

[mail]
hostname=smtp.example.com
`)
	defer cleanup()
	if err := LoadConfig(path); err == nil {
		t.Error("config without [web] section must not load")
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path, cleanup := writeConfigFile(t, `[logging]
level=info

[mail]
hostname=smtp.example.com
starttls=SOMETIMES

[web]
ip4.address=127.0.0.1
ip4.port=8080
`)
	defer cleanup()
	if err := LoadConfig(path); err == nil {
		t.Error("invalid starttls value must not load")
	}
}
