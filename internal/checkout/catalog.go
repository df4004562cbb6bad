package checkout

import (
	"strings"

	"github.com/brainnel/checkout-api/internal/domain"
)

// Tab groups payment methods on the selection screen.
type Tab string

const (
	TabOnline  Tab = "online"
	TabOffline Tab = "offline"
)

// CurrencyChoices are the currencies offered when a method requires a currency choice.
var CurrencyChoices = []string{"USD", "EUR"}

// MethodOption is a catalog entry with its static capability flags.
type MethodOption struct {
	Key                    domain.MethodKey
	Tab                    Tab
	RequiresPhone          bool
	RequiresCurrencyChoice bool
	SupportsCOD            bool
	IsOfflineTab           bool
	Confirmation           domain.ConfirmationMode
	CurrencyChoices        []string
	// DisplayValue carries the operator names for mobile_money.
	DisplayValue string
}

var methodOptions = []MethodOption{
	{Key: domain.MethodBalance, Tab: TabOnline, Confirmation: domain.ConfirmImmediate},
	{Key: domain.MethodMobileMoney, Tab: TabOnline, RequiresPhone: true, Confirmation: domain.ConfirmPolling},
	{Key: domain.MethodWave, Tab: TabOnline, Confirmation: domain.ConfirmPolling},
	{Key: domain.MethodPayPal, Tab: TabOnline, RequiresCurrencyChoice: true, Confirmation: domain.ConfirmCallback},
	{Key: domain.MethodBankCard, Tab: TabOnline, RequiresCurrencyChoice: true, Confirmation: domain.ConfirmCallback},
	{Key: domain.MethodCash, Tab: TabOffline, SupportsCOD: true, IsOfflineTab: true, Confirmation: domain.ConfirmOffline},
	{Key: domain.MethodBankTransfer, Tab: TabOffline, IsOfflineTab: true, Confirmation: domain.ConfirmOffline},
}

// ListContext carries what the method list depends on.
type ListContext struct {
	CountryCode   int
	OrderCurrency string
	COD           domain.CODDecision
}

// MethodList is the catalog partitioned by tab.
type MethodList struct {
	Online  []MethodOption
	Offline []MethodOption
}

// Catalog enumerates payment methods. It never performs I/O.
type Catalog struct {
	countries map[int]Country
	options   map[domain.MethodKey]MethodOption
}

// NewCatalog builds a catalog over a country table; nil uses DefaultCountries.
func NewCatalog(countries []Country) *Catalog {
	if countries == nil {
		countries = DefaultCountries
	}
	options := make(map[domain.MethodKey]MethodOption, len(methodOptions))
	for _, opt := range methodOptions {
		options[opt.Key] = opt
	}
	return &Catalog{countries: indexCountries(countries), options: options}
}

// Country looks up a country by dialling code.
func (c *Catalog) Country(dialCode int) (Country, bool) {
	country, ok := c.countries[dialCode]
	return country, ok
}

// Option returns the static option for a method key.
func (c *Catalog) Option(key domain.MethodKey) (MethodOption, bool) {
	opt, ok := c.options[domain.MethodKey(strings.ToLower(strings.TrimSpace(string(key))))]
	if ok && opt.RequiresCurrencyChoice {
		opt.CurrencyChoices = append([]string(nil), CurrencyChoices...)
	}
	return opt, ok
}

// ListMethods returns the methods available for the context.
func (c *Catalog) ListMethods(lc ListContext) MethodList {
	country, known := c.countries[lc.CountryCode]
	var list MethodList
	for _, base := range methodOptions {
		opt, _ := c.Option(base.Key)
		switch opt.Key {
		case domain.MethodMobileMoney:
			if !known || len(country.Operators) == 0 {
				continue
			}
			opt.DisplayValue = strings.Join(country.Operators, "/")
		case domain.MethodWave:
			if known && !country.Wave {
				continue
			}
		}
		if opt.SupportsCOD && !lc.COD.IsCOD {
			continue
		}
		if opt.Tab == TabOffline {
			list.Offline = append(list.Offline, opt)
		} else {
			list.Online = append(list.Online, opt)
		}
	}
	return list
}

// SettlementCurrency returns the currency a method settles in. Methods requiring a currency
// choice settle in the chosen currency; wallets settle in the country's local currency.
func (c *Catalog) SettlementCurrency(key domain.MethodKey, countryCode int, orderCurrency, chosen string) string {
	opt, ok := c.Option(key)
	if !ok {
		return orderCurrency
	}
	if opt.RequiresCurrencyChoice {
		return strings.ToUpper(strings.TrimSpace(chosen))
	}
	if opt.IsOfflineTab {
		return orderCurrency
	}
	if country, ok := c.countries[countryCode]; ok && country.Currency != "" {
		return country.Currency
	}
	return orderCurrency
}
