package checkout

import (
	"errors"
	"testing"

	"github.com/brainnel/checkout-api/internal/domain"
)

func keys(options []MethodOption) []domain.MethodKey {
	out := make([]domain.MethodKey, 0, len(options))
	for _, o := range options {
		out = append(out, o.Key)
	}
	return out
}

func TestCatalogListMethodsForIvoryCoast(t *testing.T) {
	catalog := NewCatalog(nil)

	list := catalog.ListMethods(ListContext{
		CountryCode:   225,
		OrderCurrency: "FCFA",
		COD:           domain.CODDecision{IsCOD: true},
	})

	wantOnline := []domain.MethodKey{domain.MethodBalance, domain.MethodMobileMoney, domain.MethodWave, domain.MethodPayPal, domain.MethodBankCard}
	got := keys(list.Online)
	if len(got) != len(wantOnline) {
		t.Fatalf("expected online methods %v, got %v", wantOnline, got)
	}
	for i := range wantOnline {
		if got[i] != wantOnline[i] {
			t.Fatalf("expected online methods %v, got %v", wantOnline, got)
		}
	}
	if len(list.Offline) != 2 {
		t.Fatalf("expected cash and bank transfer offline, got %v", keys(list.Offline))
	}
	if list.Online[1].DisplayValue != "Orange/MTN/Moov" {
		t.Fatalf("unexpected mobile money operators %q", list.Online[1].DisplayValue)
	}
	if len(list.Online[3].CurrencyChoices) != 2 {
		t.Fatalf("expected paypal currency choices, got %v", list.Online[3].CurrencyChoices)
	}
}

func TestCatalogHidesCashWithoutCOD(t *testing.T) {
	catalog := NewCatalog(nil)

	list := catalog.ListMethods(ListContext{CountryCode: 225, OrderCurrency: "FCFA"})

	for _, o := range list.Offline {
		if o.Key == domain.MethodCash {
			t.Fatalf("expected cash to be hidden for non-COD orders")
		}
	}
}

func TestCatalogHidesWaveWhereUnavailable(t *testing.T) {
	catalog := NewCatalog(nil)

	list := catalog.ListMethods(ListContext{CountryCode: 237, OrderCurrency: "XAF", COD: domain.CODDecision{IsCOD: true}})

	for _, o := range list.Online {
		if o.Key == domain.MethodWave {
			t.Fatalf("expected wave hidden in Cameroon")
		}
		if o.Key == domain.MethodMobileMoney && o.DisplayValue != "MTN/Orange" {
			t.Fatalf("unexpected operators %q", o.DisplayValue)
		}
	}
}

func TestCatalogSettlementCurrency(t *testing.T) {
	catalog := NewCatalog(nil)
	if got := catalog.SettlementCurrency(domain.MethodPayPal, 225, "FCFA", "eur"); got != "EUR" {
		t.Fatalf("expected EUR, got %q", got)
	}
	if got := catalog.SettlementCurrency(domain.MethodWave, 237, "FCFA", ""); got != "XAF" {
		t.Fatalf("expected XAF, got %q", got)
	}
	if got := catalog.SettlementCurrency(domain.MethodCash, 237, "FCFA", ""); got != "FCFA" {
		t.Fatalf("expected order currency for offline methods, got %q", got)
	}
}

func TestFormatE164(t *testing.T) {
	gabon, _ := NewCatalog(nil).Country(241)
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "1234567", wantErr: true},
		{raw: "12345678", want: "+24112345678"},
		{raw: "123 456 789", want: "+241123456789"},
		{raw: "1234567890", wantErr: true},
		{raw: "+241 12 34 56 78", want: "+24112345678"},
		{raw: "0024112345678", want: "+24112345678"},
		{raw: "+225 0102030405", wantErr: true},
		{raw: "12-34-ab-78", wantErr: true},
	}
	for _, tc := range tests {
		got, err := FormatE164(gabon, tc.raw)
		if tc.wantErr {
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) || fieldErr.Field != "phone_number" {
				t.Fatalf("FormatE164(%q) expected field error, got %q, %v", tc.raw, got, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("FormatE164(%q) unexpected error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("FormatE164(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestFormatE164RejectsOverlongNumbersWithoutLengthRules(t *testing.T) {
	open := Country{DialCode: 999}
	if _, err := FormatE164(open, "12345678"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fieldErr *FieldError
	if _, err := FormatE164(open, "1234567890123456"); !errors.As(err, &fieldErr) {
		t.Fatalf("expected field error for a number longer than E.164 allows, got %v", err)
	}
}
