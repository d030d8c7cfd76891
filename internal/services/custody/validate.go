package custody

import (
	"evidence-custody/internal/domain/model"
)

// 校验失败原因。
const (
	ReasonEmptyChain       = "empty_chain"
	ReasonPrevHashMismatch = "prev_hash_mismatch"
	ReasonHashMismatch     = "hash_mismatch"
)

// Failure 描述第一个不一致的条目。
type Failure struct {
	Index   int    `json:"index"`
	EntryID string `json:"entry_id,omitempty"`
	Action  string `json:"action,omitempty"`
	Reason  string `json:"reason"`

	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`
	ExpectedHash     string `json:"expected_hash,omitempty"`
	ActualHash       string `json:"actual_hash,omitempty"`
}

// Result 是监管链校验结果。FirstDivergence 在校验通过时为 -1。
type Result struct {
	OK              bool     `json:"ok"`
	Total           int      `json:"total"`
	FirstDivergence int      `json:"first_divergence"`
	Failure         *Failure `json:"failure,omitempty"`
}

// Validate 按顺序重算每条的 previousHash 与 hash，遇到第一个不一致即返回。
// 校验结果作为数据返回，不产生错误。
//
// 非 Pending 证据的空链视为在 0 处断裂：入库后至少应有创世条目。
func Validate(ev *model.Evidence) Result {
	res := Result{OK: true, Total: len(ev.ChainOfCustody), FirstDivergence: -1}

	if len(ev.ChainOfCustody) == 0 {
		if ev.Status != model.StatusPending {
			res.OK = false
			res.FirstDivergence = 0
			res.Failure = &Failure{Index: 0, Reason: ReasonEmptyChain}
		}
		return res
	}

	expectedPrev := ev.PrimaryHash()
	for i, e := range ev.ChainOfCustody {
		if e.PreviousHash != expectedPrev {
			return diverged(res, i, e, &Failure{
				Reason:           ReasonPrevHashMismatch,
				ExpectedPrevHash: expectedPrev,
				ActualPrevHash:   e.PreviousHash,
			})
		}
		if want := ComputeHash(e); e.Hash != want {
			return diverged(res, i, e, &Failure{
				Reason:       ReasonHashMismatch,
				ExpectedHash: want,
				ActualHash:   e.Hash,
			})
		}
		expectedPrev = e.Hash
	}
	return res
}

func diverged(res Result, i int, e model.ChainOfCustodyEntry, f *Failure) Result {
	f.Index = i
	f.EntryID = e.ID
	f.Action = e.Action
	res.OK = false
	res.FirstDivergence = i
	res.Failure = f
	return res
}
