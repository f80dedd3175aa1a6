package urlcheck

import "testing"

func TestIsAllowedDestination_Blocked(t *testing.T) {
	blocked := []string{
		"http://localhost/hook",
		"http://localhost:8080/hook",
		"https://127.0.0.1/hook",
		"http://127.8.4.2/hook",
		"http://[::1]:9000/hook",
		"http://10.0.0.5/hook",
		"http://10.255.255.255/hook",
		"https://172.16.0.1/hook",
		"https://172.31.200.1/hook",
		"http://192.168.1.50/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/hook",
		"https://metrics.internal/hook",
		"https://printer.local/hook",
		"ftp://example.com/hook",
		"file:///etc/passwd",
		"not a url at all",
		"",
		"http://",
	}

	for _, u := range blocked {
		if IsAllowedDestination(u) {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

func TestIsAllowedDestination_Allowed(t *testing.T) {
	allowed := []string{
		"https://example.com/hook",
		"http://example.com/hook",
		"https://hooks.slack.com/services/T000/B000/XXXX",
		"https://8.8.8.8/hook",
		"https://172.32.0.1/hook",
		"https://internal.example.com/hook",
	}

	for _, u := range allowed {
		if !IsAllowedDestination(u) {
			t.Errorf("expected %q to be allowed", u)
		}
	}
}

func TestIsAllowedDestination_SchemeCaseInsensitive(t *testing.T) {
	if !IsAllowedDestination("HTTPS://example.com/hook") {
		t.Error("expected uppercase scheme to be allowed")
	}
	if IsAllowedDestination("HTTP://LOCALHOST/hook") {
		t.Error("expected uppercase localhost to be rejected")
	}
}
