package entitle

// Feature keys known to the default catalog
const (
	FeatureBusinessCard      = "business_card"
	FeatureInvoicing         = "invoicing"
	FeatureQuotes            = "quotes"
	FeatureCustomerInquiries = "customer_inquiries"
	FeatureCustomBranding    = "custom_branding"
	FeatureCustomers         = "customers"
	FeatureServices          = "services"
)

// Catalog is a set of plans and their features, used to seed stores.
type Catalog struct {
	Plans    []Plan
	Features []Feature
}

// DefaultCatalog returns the built-in plan catalog. Plan IDs match the
// rows seeded by the postgres migrations.
func DefaultCatalog() Catalog {
	const (
		freemiumID  = 1
		proID       = 2
		proYearlyID = 3
	)

	paid := func(planID int64) []Feature {
		return []Feature{
			{PlanID: planID, Key: FeatureBusinessCard, Enabled: true},
			{PlanID: planID, Key: FeatureInvoicing, Enabled: true},
			{PlanID: planID, Key: FeatureQuotes, Enabled: true},
			{PlanID: planID, Key: FeatureCustomerInquiries, Enabled: true},
			{PlanID: planID, Key: FeatureCustomBranding, Enabled: true},
			{PlanID: planID, Key: FeatureCustomers, Enabled: true},
			{PlanID: planID, Key: FeatureServices, Enabled: true},
		}
	}

	features := []Feature{
		{PlanID: freemiumID, Key: FeatureBusinessCard, Enabled: true},
		{PlanID: freemiumID, Key: FeatureInvoicing, Enabled: false},
		{PlanID: freemiumID, Key: FeatureQuotes, Enabled: false},
		{PlanID: freemiumID, Key: FeatureCustomerInquiries, Enabled: false},
		{PlanID: freemiumID, Key: FeatureCustomBranding, Enabled: false},
		{PlanID: freemiumID, Key: FeatureCustomers, Enabled: true, Limit: Int64Ptr(10)},
		{PlanID: freemiumID, Key: FeatureServices, Enabled: true, Limit: Int64Ptr(5)},
	}
	features = append(features, paid(proID)...)
	features = append(features, paid(proYearlyID)...)

	return Catalog{
		Plans: []Plan{
			{ID: freemiumID, Name: PlanFreemium, DisplayName: "Freemium", MonthlyPrice: 0},
			{ID: proID, Name: PlanPro, DisplayName: "Pro", MonthlyPrice: 1990},
			{ID: proYearlyID, Name: PlanProYearly, DisplayName: "Pro (yearly)", MonthlyPrice: 1590},
		},
		Features: features,
	}
}
