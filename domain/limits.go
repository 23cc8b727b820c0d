package domain

// LimitMembers is the quota key counting members of an organization.
const LimitMembers = "store_nb_members"

// Consumer identifies the entity a quota applies to.
type Consumer struct {
	Type string `bson:"type" json:"type"`
	ID   string `bson:"id"   json:"id"`
}

// Limit pairs a quota ceiling with its current consumption.
// A ceiling of 0 or less means unlimited.
type Limit struct {
	Limit       int `bson:"limit"       json:"limit"`
	Consumption int `bson:"consumption" json:"consumption"`
}

// Exceeded reports whether admitting one more unit would break the quota.
func (l Limit) Exceeded() bool {
	return l.Limit > 0 && l.Consumption >= l.Limit
}
