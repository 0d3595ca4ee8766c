package admission

import "fmt"

// QuotaCode names the quota a request ran into
type QuotaCode string

const (
	CodeConcurrencyLimit QuotaCode = "CONCURRENCY_LIMIT"
	CodeHourlyLimit      QuotaCode = "HOURLY_LIMIT"
	CodePromptTooLong    QuotaCode = "PROMPT_TOO_LONG"
	CodeDailyCostCap     QuotaCode = "DAILY_COST_CAP"
	CodeMonthlyCostCap   QuotaCode = "MONTHLY_COST_CAP"
)

// QuotaError is a business-rule rejection. Storage failures are returned as
// plain errors instead.
type QuotaError struct {
	Code    QuotaCode
	Limit   float64
	Current float64
}

func (e *QuotaError) Error() string {
	switch e.Code {
	case CodeConcurrencyLimit:
		return fmt.Sprintf("too many concurrent tasks (%d of %d)", int(e.Current), int(e.Limit))
	case CodeHourlyLimit:
		return fmt.Sprintf("hourly task limit reached (%d of %d)", int(e.Current), int(e.Limit))
	case CodePromptTooLong:
		return fmt.Sprintf("prompt is %d characters, limit is %d", int(e.Current), int(e.Limit))
	case CodeDailyCostCap:
		return fmt.Sprintf("daily cost cap of $%.2f would be exceeded ($%.2f)", e.Limit, e.Current)
	case CodeMonthlyCostCap:
		return fmt.Sprintf("monthly cost cap of $%.2f would be exceeded ($%.2f)", e.Limit, e.Current)
	}
	return string(e.Code)
}
