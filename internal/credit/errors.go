package credit

import "github.com/stellarlinkco/jurisbot/internal/fault"

func exhausted(tenantID string, consumed, granted int) error {
	return fault.New(fault.CodeCreditExhausted, "tenant %s holds %d of %d credits", tenantID, consumed, granted)
}

func belowConsumed(tenantID string, consumed, granted int) error {
	return fault.New(fault.CodeQuotaBelowConsumed, "tenant %s holds %d credits, cannot grant %d", tenantID, consumed, granted)
}
