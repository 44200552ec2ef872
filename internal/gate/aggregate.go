package gate

import "github.com/msageha/taskgate/internal/model"

// Aggregate folds judge verdicts into one gate verdict. Any REJECT wins,
// then any CONDITIONAL or missing judge, otherwise APPROVE. With no
// verdicts and no missing judges the result is CONDITIONAL: silence never
// upgrades a task.
func Aggregate(verdicts []model.QualityVerdict, missing []string) model.Verdict {
	if len(verdicts) == 0 && len(missing) == 0 {
		return model.VerdictConditional
	}
	conditional := len(missing) > 0
	for _, v := range verdicts {
		switch v.Verdict {
		case model.VerdictReject:
			return model.VerdictReject
		case model.VerdictApprove:
		default:
			conditional = true
		}
	}
	if conditional {
		return model.VerdictConditional
	}
	return model.VerdictApprove
}
