package model

// BillingInstruction holds the cleartext execution terms a merchant registers
// for automatic billing. The stored subscription only carries the commitment
// digest, so the scheduler needs the terms spelled out; every execution still
// re-derives the digest, which makes a tampered instruction fail instead of
// redirecting funds.
type BillingInstruction struct {
	SubscriptionID    string
	Amount            uint64
	FeeBps            uint16
	PartnerFeeBps     uint16
	Frequency         uint32
	SubscriberAccount string
	MerchantAccount   string
	PartnerAccount    string
}
