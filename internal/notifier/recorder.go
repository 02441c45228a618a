package notifier

import "sync"

// Recorder 记录所有调用的内存实现，测试与本地调试用
type Recorder struct {
	mu        sync.Mutex
	prompts   map[string][]Prompt
	messages  map[string][]Message
	withdrawn map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		prompts:   make(map[string][]Prompt),
		messages:  make(map[string][]Message),
		withdrawn: make(map[string]bool),
	}
}

func (r *Recorder) PresentChoice(recipientID string, p Prompt) error {
	p.Kind = KindChoice
	r.add(recipientID, p)
	return nil
}

func (r *Recorder) PresentFreeform(recipientID string, p Prompt) error {
	p.Kind = KindFreeform
	r.add(recipientID, p)
	return nil
}

func (r *Recorder) add(recipientID string, p Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[recipientID] = append(r.prompts[recipientID], p)
}

func (r *Recorder) Withdraw(recipientID, matchID, promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdrawn[promptID] = true
	return nil
}

func (r *Recorder) Notify(recipientID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[recipientID] = append(r.messages[recipientID], msg)
	return nil
}

// Prompts 发给某玩家的全部提示（按发送顺序）
func (r *Recorder) Prompts(recipientID string) []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Prompt(nil), r.prompts[recipientID]...)
}

// Last 最近一条未撤回的提示
func (r *Recorder) Last(recipientID string) (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.prompts[recipientID]
	for i := len(ps) - 1; i >= 0; i-- {
		if !r.withdrawn[ps[i].ID] {
			return ps[i], true
		}
	}
	return Prompt{}, false
}

func (r *Recorder) Withdrawn(promptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withdrawn[promptID]
}

func (r *Recorder) Messages(recipientID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages[recipientID]...)
}

// Has 是否收到过指定类型的通知
func (r *Recorder) Has(recipientID, kind string) bool {
	for _, m := range r.Messages(recipientID) {
		if m.Kind == kind {
			return true
		}
	}
	return false
}
