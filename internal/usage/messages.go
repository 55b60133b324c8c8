package usage

import (
	"fmt"

	"github.com/podushkina/hrchat/internal/task"
)

var featureNames = map[string]map[task.Type]string{
	"ja": {
		task.TypeChat:        "チャット",
		task.TypeSummary:     "要約",
		task.TypeTranslate:   "翻訳",
		task.TypeFileUpload:  "ファイルアップロード",
		task.TypeQuestionGen: "質問生成",
	},
	"en": {
		task.TypeChat:        "chat",
		task.TypeSummary:     "summarization",
		task.TypeTranslate:   "translation",
		task.TypeFileUpload:  "file upload",
		task.TypeQuestionGen: "question generation",
	},
}

func (l *Limiter) lang() string {
	if l.locale == "en" {
		return "en"
	}
	return "ja"
}

func (l *Limiter) feature(t task.Type) string {
	if name, ok := featureNames[l.lang()][t]; ok {
		return name
	}
	return string(t)
}

// denial distinguishes a user over their own quota from a feature whose
// shared quota is exhausted or set to zero.
func (l *Limiter) denial(t task.Type, user string) string {
	name := l.feature(t)
	if l.lang() == "en" {
		if user != "" {
			return fmt.Sprintf("You have reached your usage limit for %s. Please try again after the limit resets.", name)
		}
		return fmt.Sprintf("The %s feature is currently unavailable: it is disabled or its shared usage limit has been reached.", name)
	}
	if user != "" {
		return fmt.Sprintf("%sの利用上限に達しました。上限がリセットされた後に再度お試しください。", name)
	}
	return fmt.Sprintf("%s機能は現在ご利用いただけません（無効化されているか、全体の利用上限に達しています）。", name)
}

func (l *Limiter) concurrencyDenial(t task.Type, perUser bool) string {
	name := l.feature(t)
	if l.lang() == "en" {
		if perUser {
			return fmt.Sprintf("You already have the maximum number of %s tasks running. Please wait for one to finish.", name)
		}
		return fmt.Sprintf("Too many %s tasks are running right now. Please try again later.", name)
	}
	if perUser {
		return fmt.Sprintf("実行中の%sタスクが上限に達しています。完了までお待ちください。", name)
	}
	return fmt.Sprintf("現在%sタスクが混み合っています。しばらくしてから再度お試しください。", name)
}
