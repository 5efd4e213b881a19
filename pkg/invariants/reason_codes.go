package invariants

// Reason codes attached to non-passing results.
const (
	ReasonCheckError         = "CHECK_ERROR"
	ReasonCheckPanic         = "CHECK_PANIC"
	ReasonSourceMissing      = "SOURCE_NOT_CONFIGURED"
	ReasonHashMismatch       = "EVIDENCE_HASH_MISMATCH"
	ReasonBlobDivergence     = "EVIDENCE_BLOB_DIVERGENCE"
	ReasonNoPointers         = "RULE_WITHOUT_POINTERS"
	ReasonDanglingPointer    = "POINTER_NOT_FOUND"
	ReasonDanglingEvidence   = "EVIDENCE_NOT_FOUND"
	ReasonContractBroken     = "QUOTE_CONTRACT_NOT_ENFORCED"
	ReasonNoRejectionsSeen   = "NO_QUOTE_REJECTIONS_OBSERVED"
	ReasonNoWinner           = "RESOLVED_WITHOUT_WINNER"
	ReasonUnexplainedResolve = "AUTOMATED_RESOLUTION_WITHOUT_SCORES"
	ReasonReleaseHash        = "RELEASE_HASH_MISMATCH"
	ReasonReleaseSignature   = "RELEASE_SIGNATURE_INVALID"
	ReasonDuplicateDiscovery = "DUPLICATE_DISCOVERY"
	ReasonNonCanonicalURL    = "NON_CANONICAL_URL"
	ReasonAutomatedApprover  = "CRITICAL_TIER_AUTOMATED_APPROVER"
)
