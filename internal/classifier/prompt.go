package classifier

import "strings"

const preamble = `You are a guardian that protects a vulnerable person from scams, threats and emergencies.
Classify the spoken text. Reply ONLY with JSON on one line:
{"danger": true/false, "confidence": 0.0-1.0, "reasoning": "one short sentence"}

Dangerous: impersonation of banks, police or officials, requests for gift cards, wire
transfers, passwords or identity documents, prize or lottery fees, pressure to act
immediately, demands for secrecy.
Safe: greetings, small talk, plans, logistics, ordinary family conversation.
`

type example struct {
	input  string
	output string
}

var examples = []example{
	{
		input:  "This is your bank's fraud department, we need your card number and PIN to secure your account",
		output: `{"danger": true, "confidence": 0.95, "reasoning": "Bank impersonation asking for card number and PIN."}`,
	},
	{
		input:  "Congratulations you won the lottery, just pay the processing fee by wire transfer to claim it",
		output: `{"danger": true, "confidence": 0.93, "reasoning": "Advance-fee lottery scam demanding a payment."}`,
	},
	{
		input:  "Please send a photo of your passport and social security card so we can verify your identity",
		output: `{"danger": true, "confidence": 0.9, "reasoning": "Phishing for identity documents."}`,
	},
	{
		input:  "Grandpa it's me, I'm in trouble and need money right now, please don't tell mom",
		output: `{"danger": true, "confidence": 0.92, "reasoning": "Urgent money request combined with secrecy."}`,
	},
	{
		input:  "Hi, how are you doing today? It's lovely weather",
		output: `{"danger": false, "confidence": 0.03, "reasoning": "Friendly greeting."}`,
	},
	{
		input:  "The plumber will come on Tuesday at ten, can you leave the side door open",
		output: `{"danger": false, "confidence": 0.05, "reasoning": "Ordinary household logistics."}`,
	},
	{
		input:  "Did you watch the game last night? What a finish",
		output: `{"danger": false, "confidence": 0.02, "reasoning": "Small talk."}`,
	},
}

// BuildPrompt renders the classification prompt for one utterance.
// Double quotes in the utterance become single quotes so they cannot
// close the quoted input early.
func BuildPrompt(text string) string {
	var b strings.Builder

	b.WriteString(preamble)
	b.WriteString("\nExamples:\n")
	for _, ex := range examples {
		b.WriteString("Input: \"")
		b.WriteString(ex.input)
		b.WriteString("\"\nOutput: ")
		b.WriteString(ex.output)
		b.WriteString("\n\n")
	}

	b.WriteString("Input: \"")
	b.WriteString(strings.ReplaceAll(text, `"`, "'"))
	b.WriteString("\"\nOutput:")

	return b.String()
}
