package config

// Strings holds the operator-facing text for one UI language.
type Strings struct {
	Welcome          string
	Prompt           string
	Thinking         string
	ConfirmPrompt    string
	ConfirmRequired  string
	ConfirmReply     string
	Cancelled        string
	Blocked          string
	HeadlessRejected string
	Timeout          string
	Goodbye          string
	ErrorPrefix      string
	SessionReset     string
	Help             string
	LanguageRule     string
	StepLimit        string
	HintPrefix       string
	RateLimited      string
	Unavailable      string
	Truncated        string
}

var stringsByLang = map[string]Strings{
	"en": {
		Welcome:          "blunux-ai assistant. Ask about your system, or type /help.",
		Prompt:           "you> ",
		Thinking:         "thinking...",
		ConfirmPrompt:    "Proceed? (y/n): ",
		ConfirmRequired:  "This command changes the system and needs your confirmation:",
		ConfirmReply:     "Reply y to run it. Anything else cancels.",
		Cancelled:        "Cancelled.",
		Blocked:          "Blocked by safety policy.",
		HeadlessRejected: "Not executed: this command requires interactive confirmation and cannot run from an automation.",
		Timeout:          "The command timed out.",
		Goodbye:          "Goodbye.",
		ErrorPrefix:      "Error: ",
		SessionReset:     "Conversation cleared.",
		Help:             "/reset clears the conversation, /exit quits. Answer y or n when asked to confirm.",
		LanguageRule:     "Always answer in English.",
		StepLimit:        "Stopped after the maximum number of steps. Last output:",
		HintPrefix:       "Hint: ",
		RateLimited:      "Too many messages. Please wait a minute and try again.",
		Unavailable:      "The blunux-ai daemon is not running. Start it with: blunux-ai daemon",
		Truncated:        "(message truncated)",
	},
	"ko": {
		Welcome:          "blunux-ai 도우미입니다. 시스템에 대해 물어보세요. 도움말은 /help.",
		Prompt:           "나> ",
		Thinking:         "생각 중...",
		ConfirmPrompt:    "진행할까요? (y/n): ",
		ConfirmRequired:  "이 명령은 시스템을 변경하므로 확인이 필요합니다:",
		ConfirmReply:     "실행하려면 y 를 입력하세요. 다른 답은 취소로 처리됩니다.",
		Cancelled:        "취소되었습니다.",
		Blocked:          "안전 정책에 의해 차단되었습니다.",
		HeadlessRejected: "실행하지 않음: 이 명령은 대화형 확인이 필요하므로 자동화에서 실행할 수 없습니다.",
		Timeout:          "명령 실행 시간이 초과되었습니다.",
		Goodbye:          "안녕히 가세요.",
		ErrorPrefix:      "오류: ",
		SessionReset:     "대화가 초기화되었습니다.",
		Help:             "/reset 은 대화를 초기화하고 /exit 는 종료합니다. 확인 요청에는 y 또는 n 으로 답하세요.",
		LanguageRule:     "항상 한국어로 답변하세요.",
		StepLimit:        "최대 단계 수에 도달하여 중단했습니다. 마지막 출력:",
		HintPrefix:       "도움말: ",
		RateLimited:      "메시지가 너무 많습니다. 1분 후에 다시 시도하세요.",
		Unavailable:      "blunux-ai 데몬이 실행 중이 아닙니다. 다음 명령으로 시작하세요: blunux-ai daemon",
		Truncated:        "(메시지가 잘렸습니다)",
	},
}

// StringsFor returns the strings for lang, falling back to English.
func StringsFor(lang string) Strings {
	if s, ok := stringsByLang[lang]; ok {
		return s
	}
	return stringsByLang["en"]
}
