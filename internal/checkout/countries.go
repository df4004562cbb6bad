package checkout

import "github.com/brainnel/checkout-api/internal/domain"

// Country holds the static per-country payment rules.
type Country struct {
	DialCode int
	ISO      string
	Name     string
	// Currency is the local settlement currency for wallet payments.
	Currency string
	// ValidDigits lists the accepted national phone number lengths.
	ValidDigits []int
	// Operators are the mobile money operators shown for mobile_money.
	Operators []string
	// Wave reports whether Wave is offered in the country.
	Wave bool
}

// DefaultCountries is the storefront's delivery country table.
var DefaultCountries = []Country{
	{DialCode: domain.CountryCodeCI, ISO: "CI", Name: "Côte d'Ivoire", Currency: domain.CurrencyFCFA, ValidDigits: []int{10}, Operators: []string{"Orange", "MTN", "Moov"}, Wave: true},
	{DialCode: 221, ISO: "SN", Name: "Sénégal", Currency: domain.CurrencyFCFA, ValidDigits: []int{9}, Operators: []string{"Orange", "Free", "Expresso"}, Wave: true},
	{DialCode: 223, ISO: "ML", Name: "Mali", Currency: domain.CurrencyFCFA, ValidDigits: []int{8}, Operators: []string{"Orange", "Moov"}, Wave: true},
	{DialCode: 226, ISO: "BF", Name: "Burkina Faso", Currency: domain.CurrencyFCFA, ValidDigits: []int{8}, Operators: []string{"Orange", "Moov"}, Wave: true},
	{DialCode: 227, ISO: "NE", Name: "Niger", Currency: domain.CurrencyFCFA, ValidDigits: []int{8}, Operators: []string{"Airtel", "Moov"}},
	{DialCode: 228, ISO: "TG", Name: "Togo", Currency: domain.CurrencyFCFA, ValidDigits: []int{8}, Operators: []string{"Moov", "Togocel"}},
	{DialCode: 229, ISO: "BJ", Name: "Bénin", Currency: domain.CurrencyFCFA, ValidDigits: []int{8, 10}, Operators: []string{"MTN", "Moov"}},
	{DialCode: 237, ISO: "CM", Name: "Cameroun", Currency: "XAF", ValidDigits: []int{9}, Operators: []string{"MTN", "Orange"}},
	{DialCode: 241, ISO: "GA", Name: "Gabon", Currency: "XAF", ValidDigits: []int{8, 9}, Operators: []string{"Airtel", "Moov"}},
	{DialCode: 242, ISO: "CG", Name: "Congo", Currency: "XAF", ValidDigits: []int{9}, Operators: []string{"MTN", "Airtel"}},
	{DialCode: 243, ISO: "CD", Name: "RD Congo", Currency: "CDF", ValidDigits: []int{9}, Operators: []string{"Vodacom", "Orange", "Airtel"}},
	{DialCode: 224, ISO: "GN", Name: "Guinée", Currency: "GNF", ValidDigits: []int{9}, Operators: []string{"Orange", "MTN"}},
}

func indexCountries(countries []Country) map[int]Country {
	out := make(map[int]Country, len(countries))
	for _, c := range countries {
		if c.DialCode <= 0 {
			continue
		}
		out[c.DialCode] = c
	}
	return out
}
