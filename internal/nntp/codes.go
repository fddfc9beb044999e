package nntp

// Response codes the session classifies, named after the original
// source's nntp.h constants (original_source/pan/tasks/nntp.h) and
// carried into SPEC_FULL §6 verbatim.
const (
	codeServerReady            = 200
	codeServerReadyNoPosting   = 201
	codeServerReadyStreamingOK = 203
	codeGoodbye                = 205

	codeGroupResponse     = 211
	codeGroupNonexistent  = 411
	codeNoGroupSelected   = 412

	codeInformationFollows = 215
	codeArticleFollows     = 220
	codeXoverFollows       = 224
	codeXoverNoArticles    = 420
	codeNewgroupsFollows   = 231

	codeArticlePostedOK = 240
	codeSendArticleNow  = 340
	codeNoPosting       = 440
	codePostingFailed   = 441
	codeDupeArticle     = 435

	codeTooManyConnections = 400

	codeNoSuchArticleNumber = 423
	codeNoSuchArticle       = 430

	// CodeNoPosting is exported because it needs telling apart from
	// CodePostingFailed by callers that only see the classified
	// health.ErrCommand: a 440 means posting is refused outright and
	// the task should stop, while 441 means this one part failed on
	// this one server and another server may still accept it.
	CodeNoPosting     = codeNoPosting
	CodePostingFailed = codePostingFailed

	codeAuthNeedMore = 381
	codeAuthAccepted = 281
	codeAuthRequired = 480
	codeAuthRejected = 482

	codeCmdNotUnderstood = 500
	codeCmdNotSupported  = 501
	codeNoPermission     = 502
	codeFeatureNotSupported = 503
)

// outcome classifies what a session should do with a status line once
// the numeric prefix has been parsed.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomeGroupInfo
	outcomeMultilineBegin
	outcomePostAccepted
	outcomeAuthAccepted
	outcomePromptPostBody
	outcomeAuthNeedMore
	outcomeTransientRetry
	outcomeCommandFailed
	outcomeReAuthAndRetry
	outcomeUnknown
)

// ResponseCode parses the leading numeric code off a raw status line,
// for listeners whose OnDone needs to tell apart two codes classify
// lumps into the same outcome (e.g. CodeNoPosting vs
// CodePostingFailed, both health.ErrCommand).
func ResponseCode(line string) (int, bool) {
	code, _, ok := parseCode([]byte(line))
	return code, ok
}

// classify maps a numeric response code to its outcome, per spec §4.2's
// code-class table.
func classify(code int) outcome {
	switch code {
	case codeServerReady, codeServerReadyNoPosting, codeServerReadyStreamingOK, codeGoodbye:
		return outcomeContinue
	case codeGroupResponse:
		return outcomeGroupInfo
	case codeInformationFollows, codeArticleFollows, codeXoverFollows, codeNewgroupsFollows:
		return outcomeMultilineBegin
	case codeArticlePostedOK:
		return outcomePostAccepted
	case codeAuthAccepted:
		return outcomeAuthAccepted
	case codeSendArticleNow:
		return outcomePromptPostBody
	case codeAuthNeedMore:
		return outcomeAuthNeedMore
	case codeTooManyConnections:
		return outcomeTransientRetry
	case codeGroupNonexistent, codeNoGroupSelected, codeNoSuchArticleNumber, codeNoSuchArticle,
		codeXoverNoArticles, codeNoPosting, codePostingFailed, codeDupeArticle,
		codeCmdNotUnderstood, codeCmdNotSupported, codeNoPermission, codeFeatureNotSupported:
		return outcomeCommandFailed
	case codeAuthRequired:
		return outcomeReAuthAndRetry
	default:
		return outcomeUnknown
	}
}
