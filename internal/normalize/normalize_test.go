package normalize

import (
	"errors"
	"strings"
	"testing"

	"github.com/lherron/clinicsync/internal/domain"
)

func TestPhone(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"domestic mobile", "09012345678", "09012345678"},
		{"hyphenated", "090-1234-5678", "09012345678"},
		{"country code", "819012345678", "09012345678"},
		{"plus country code", "+81 90-1234-5678", "09012345678"},
		{"carrier 0080", "0080-1234-5678", "08012345678"},
		{"carrier 0090", "0090 1234 5678", "09012345678"},
		{"carrier 0070", "00701234 5678", "07012345678"},
		{"other double zero", "0031234567", "031234567"},
		{"missing leading zero", "9012345678", "09012345678"},
		{"missing leading zero 7", "7012345678", "07012345678"},
		{"full width", "０９０－１２３４－５６７８", "09012345678"},
		{"landline untouched", "0312345678", "0312345678"},
		{"short 81 untouched", "8112345678", "08112345678"},
		{"empty", "", ""},
		{"no digits", "unknown", ""},
		{"whitespace", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Phone(tt.raw); got != tt.want {
				t.Errorf("Phone(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestPhoneEquivalences(t *testing.T) {
	forms := []string{"819012345678", "09012345678", "0090-1234-5678", "9012345678", "+81-90-1234-5678"}
	for _, f := range forms {
		if got := Phone(f); got != "09012345678" {
			t.Errorf("Phone(%q) = %q, want 09012345678", f, got)
		}
	}
}

func TestPhoneIdempotent(t *testing.T) {
	inputs := []string{
		"", "0", "00", "000", "0000123", "000123456789", "81", "8181818181818",
		"810090123456789", "0080-1234-5678", "819012345678", "7", "99999999999",
		"+81 (0)90-1234-5678", "１２３", "0081-90-1234-5678", "abc", "81000000000",
	}
	// sweep short digit strings so every prefix combination is visited
	for i := 0; i < 20000; i++ {
		inputs = append(inputs, itoa(i), "0"+itoa(i), "00"+itoa(i), "81"+itoa(i)+"0000000")
	}

	for _, in := range inputs {
		once := Phone(in)
		twice := Phone(once)
		if once != twice {
			t.Fatalf("Phone not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func TestPhoneChecked(t *testing.T) {
	if _, err := PhoneChecked("n/a"); err == nil {
		t.Error("expected NormalizationFailure for non-digit input")
	} else {
		var nf *domain.NormalizationFailure
		if !errors.As(err, &nf) || nf.Field != domain.FieldPhone {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if out, err := PhoneChecked(""); err != nil || out != "" {
		t.Errorf("PhoneChecked(\"\") = %q, %v", out, err)
	}
}

func TestPhoneKey(t *testing.T) {
	tests := []struct {
		raw        string
		want       string
		wantReason string
	}{
		{"090-1111-2222", "09011112222", ""},
		{"03-1234-5678", "0312345678", ""},
		{"", "", ""},
		{"000000", "", "all zeros"},
		{"00-0000-0000", "", "all zeros"},
		{"12345", "", "only 5 digits"},
		{"1234-5678", "", "only 8 digits"},
	}
	for _, tt := range tests {
		got, err := PhoneKey(tt.raw)
		if got != tt.want {
			t.Errorf("PhoneKey(%q) = %q, want %q", tt.raw, got, tt.want)
		}
		if tt.wantReason == "" {
			if err != nil {
				t.Errorf("PhoneKey(%q) unexpected error: %v", tt.raw, err)
			}
			continue
		}
		var nf *domain.NormalizationFailure
		if !errors.As(err, &nf) || nf.Field != domain.FieldPhone || nf.Reason != tt.wantReason || nf.Raw != tt.raw {
			t.Errorf("PhoneKey(%q) error = %v, want reason %q", tt.raw, err, tt.wantReason)
		}
	}
}

func TestPersonReportsShortPhone(t *testing.T) {
	out, failures := Person(domain.Person{ID: "tmp_1", Phone: "000-000"})
	if out.Phone != "0" {
		t.Errorf("short phone should still be normalized, got %q", out.Phone)
	}
	if len(failures) != 1 || !strings.Contains(failures[0].Error(), "all zeros") {
		t.Errorf("expected one all-zeros failure, got %v", failures)
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		key  string
	}{
		{"  山田　太郎 ", "山田 太郎", "山田太郎"},
		{"Yamada   Taro", "Yamada Taro", "yamadataro"},
		{"ﾔﾏﾀﾞ ﾀﾛｳ", "ヤマダ タロウ", "ヤマダタロウ"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := Name(tt.raw); got != tt.want {
			t.Errorf("Name(%q) = %q, want %q", tt.raw, got, tt.want)
		}
		if got := NameKey(tt.raw); got != tt.key {
			t.Errorf("NameKey(%q) = %q, want %q", tt.raw, got, tt.key)
		}
	}
}

func TestBirthday(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"1990-04-01", "1990-04-01", false},
		{"1990/4/1", "1990-04-01", false},
		{"19900401", "1990-04-01", false},
		{"1990年4月1日", "1990-04-01", false},
		{"", "", false},
		{"April 1st", "", true},
	}
	for _, tt := range tests {
		got, err := BirthdayChecked(tt.raw)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("BirthdayChecked(%q) = %q, %v", tt.raw, got, err)
		}
	}
}

func TestPerson(t *testing.T) {
	in := domain.Person{
		ID:              "tmp_1",
		Name:            " 佐藤　花子 ",
		Phone:           "+81 80 1111 2222",
		Birthday:        "not a date",
		MessagingUserID: " U123 ",
	}
	out, failures := Person(in)
	if out.Phone != "08011112222" || out.Name != "佐藤 花子" || out.MessagingUserID != "U123" {
		t.Errorf("unexpected normalized person: %+v", out)
	}
	if out.Birthday != "" {
		t.Errorf("expected unparseable birthday to be emptied, got %q", out.Birthday)
	}
	if len(failures) != 1 {
		t.Errorf("expected 1 failure, got %v", failures)
	}
	if in.Phone != "+81 80 1111 2222" {
		t.Error("input must not be modified")
	}
}
