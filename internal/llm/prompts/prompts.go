// Package prompts holds the fixed pedagogical policy and composes the
// instruction text sent to the oracle. Everything here is a pure function of
// its inputs so a prompt can be rebuilt and compared in tests.
package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"toetscoach/internal/model"
)

// PolicyTemplate is the immutable teaching contract: structured four-section
// feedback, exactly one remediation question per turn, never reveal the
// correct answer. Loaded once, shared read-only across all sessions.
const PolicyTemplate = `You are an experienced chemistry teacher for Dutch havo 4-5 students. You review
submitted entry exams and give personal, formative feedback in Dutch. You never
correct by giving the right answer directly; you guide the student step by step
toward the insight.

FEEDBACK FORMAT - always use this exact structure for every question:

### QUESTION:
[quote the original question from the exam]

### STUDENT_ANSWER:
[show the student's answer]

### FEEDBACK:
[brief feedback, at most 2-3 short sentences or a bullet list]
- correct answer: compliment plus why it is correct
- wrong answer: what went wrong plus a hint
- use the symbols for correct, needs work and hint

### REMEDIATION_QUESTION:
[ask EXACTLY ONE clear, specific question that helps the student reach the
insight. NEVER two questions at once. Avoid compound questions with "and" or
"also". Ask about one concept or one step.]

RULES:
- NEVER give the correct answer directly; give hints and probing questions
- one question per turn, then wait for the student's reply
- use only havo 4-5 chemistry; short, simple Dutch suited to the level
- plain text, no LaTeX; scientific notation as students learn it (6,02 x 10^23)
- write reaction equations correctly (H2O, CO2)
- if the exam contains tables, describe their content, do not reproduce them

Behave like an understanding, patient teacher who motivates students and
guides them step by step.`

// envelopeInstruction tells the oracle how to wrap the initial analysis.
const envelopeInstruction = `Answer with a single JSON object in exactly this shape (use the four-section
structure inside firstQuestionFeedback):
{
  "summary": "short summary of what went well and what needs attention, 3-4 sentences",
  "initialGrade": 7.2,
  "learningObjectives": ["Ik kan...", "Ik begrijp...", "Ik kan toepassen..."],
  "totalQuestions": 5,
  "firstQuestionFeedback": "### QUESTION: ... ### STUDENT_ANSWER: ... ### FEEDBACK: ... ### REMEDIATION_QUESTION: ..."
}
The initial grade is on the Dutch 0-10 scale, based on the answers as
submitted. Base the learning objectives on the havo syllabus, phrased in
student language. Never reveal a correct answer.`

// statusInstruction asks for the machine-readable completion trailer on
// continue turns.
const statusInstruction = `End your reply with this exact trailer on its own lines:
### STATUS:
{"isComplete": <true when every exam question has been resolved and you just
gave the final overview, otherwise false>, "finalGrade": <grade 0-10, only
when isComplete is true>}`

var (
	studentAnswerTagRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsTagRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxStudentInputRunes bounds how much free-text student input is embedded
// in a prompt.
const maxStudentInputRunes = 10000

// BuildInitial composes the initial-analysis prompt: policy, full exam text,
// filename and the required JSON envelope instruction.
func BuildInitial(exam model.ExamDocument) string {
	var sb strings.Builder
	sb.WriteString(PolicyTemplate)
	sb.WriteString("\n\nTASK: analyze this submitted chemistry exam and give the first feedback.\n\n")
	sb.WriteString("EXAM CONTENT:\n" + exam.Text + "\n\n")
	sb.WriteString("FILE NAME: " + exam.SourceName + "\n\n")
	sb.WriteString(envelopeInstruction)
	sb.WriteString("\n")
	return sb.String()
}

// BuildContinue composes a continue-turn prompt. The prior remediation
// question, the original question, the student's original answer and the
// full labeled conversation history are all embedded so the oracle can
// interpret an answer to a question it is not re-shown verbatim.
func BuildContinue(exam model.ExamDocument, state model.SessionState, studentInput string) string {
	input := SanitizeStudentInput(studentInput)

	var sb strings.Builder
	sb.WriteString(PolicyTemplate)
	sb.WriteString("\n\nCONTEXT:\n")
	sb.WriteString(fmt.Sprintf("- You are working on question %d of %d.\n", state.CurrentQuestionIndex, state.TotalQuestions))
	sb.WriteString(fmt.Sprintf("- Your last remediation question to the student was: %q\n", orUnknown(state.LastFeedback.RemediationQuestion, "first interaction")))
	sb.WriteString(fmt.Sprintf("- ORIGINAL QUESTION from the exam: %q\n", orUnknown(state.LastFeedback.OriginalQuestion, "not yet determined")))
	sb.WriteString(fmt.Sprintf("- The student's ORIGINAL ANSWER: %q\n", orUnknown(state.LastFeedback.StudentAnswerEcho, "not yet determined")))
	sb.WriteString(fmt.Sprintf("- The student NOW replied to your remediation question: %q\n", input))
	sb.WriteString("- Question progress: " + FormatProgress(state.Progress) + "\n")

	sb.WriteString("\nCONVERSATION HISTORY:\n")
	sb.WriteString(FormatHistory(state.History))

	sb.WriteString("\nORIGINAL EXAM:\n" + exam.Text + "\n")

	sb.WriteString(`
TASK:
1. React specifically to the student's reply to YOUR remediation question.
2. If the reply is good enough, move on to the next question from the exam.
3. If not, give a hint and ask ONE new remediation question.
4. When every question has been handled, give a final overview (eindoverzicht)
   with the grade after remediation.
5. Use the context above; refer to earlier answers when relevant.

Use the structured format with the ### headings. NEVER give the correct answer
directly. Ask exactly ONE remediation question.

`)
	sb.WriteString(statusInstruction)
	sb.WriteString("\n")
	return sb.String()
}

// FormatProgress renders the progress map in question order, e.g.
// {"1": "completed", "2": "reviewing", "3": "pending"}.
func FormatProgress(progress map[int]model.ProgressStatus) string {
	keys := make([]int, 0, len(progress))
	for k := range progress {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q: %q", fmt.Sprint(k), string(progress[k]))
	}
	sb.WriteString("}")
	return sb.String()
}

// FormatHistory renders the conversation as numbered, labeled lines the way
// the oracle saw them in earlier turns.
func FormatHistory(history []model.ConversationTurn) string {
	if len(history) == 0 {
		return "No earlier conversation.\n"
	}
	var sb strings.Builder
	for i, turn := range history {
		label := "TEACHER"
		if turn.Speaker == model.SpeakerStudent {
			label = "STUDENT"
		}
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, label, turn.Content)
	}
	return sb.String()
}

// SanitizeStudentInput strips pseudo-tag injection attempts and bounds the
// length of free-text student input before it is embedded in a prompt.
func SanitizeStudentInput(input string) string {
	input = studentAnswerTagRegex.ReplaceAllString(input, "")
	input = systemInstructionsTagRegex.ReplaceAllString(input, "")
	input = strings.TrimSpace(input)

	if input == "" {
		return "[No answer provided]"
	}
	if utf8.RuneCountInString(input) > maxStudentInputRunes {
		runes := []rune(input)
		input = string(runes[:maxStudentInputRunes]) + "\n\n[Answer truncated due to length]"
	}
	return input
}

func orUnknown(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
