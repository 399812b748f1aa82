package coach

import "fmt"

// Fixed coach copy.
const (
	askNameText = "Let’s start with something simple:\n✨ What’s your name?"

	onboardingMissionText   = "As your personal coach, I'm here to support you in staying positive and balanced while trying to conceive. Mental well-being is incredibly important on this path, and together, we'll focus on keeping your mindset strong and resilient."
	onboardingRemindersText = "Each day, I’ll send gentle reminders—like success stories to inspire you, positive affirmations, and guided meditation links to help you relax and refocus."
	onboardingTherapyText   = "Remember, this support complements but doesn’t replace therapy, so if you feel you need more, please reach out to a healthcare provider."
	reminderCountPrompt     = "To personalize this journey, I can send up to three reminders a day. How many would you like?"
	reminderCountReprompt   = "Please enter either 1, 2 or 3 to choose the amount of daily reminders you want to receive. Thank you 🌼"

	notificationNudgeText = "For the best experience, be sure to enable notifications on your phone, so you don’t miss any of the support I’ll be sending your way."
	batchClosingText      = "Looking forward to walking with you through this journey! 🌸"
	remindersStoppedText  = "Okay, I won't send you any more reminders. Send /start whenever you want to set them up again."

	apologyText       = "Sorry, I am having trouble to chat right now. Please try again later."
	storeFailureText  = "Sorry, something went wrong on my side. Please try again in a moment."
	journalDoneText   = "Great! Here is your PDF"
	fallbackReminder  = "Keep going, you are doing great. 🌸"
	helpText          = "Here is what I can do:\n/start - start over\n/talk <message> - chat with me\n/pdf_feature - morning gratitude journal\n/stop_reminders - stop daily reminders"
	choiceValuePrefix = "setReminder-"
)

func welcomeText(name string) string {
	return fmt.Sprintf("Thank you, %s! I'm excited to begin this journey with you.", name)
}

func batchIntroText(n int) string {
	return fmt.Sprintf("Great choice! You’ll receive %d reminders each day, spaced out to give you a steady stream of encouragement. And you can also text me at any time if you need some good vibes or just want to talk.", n)
}

func reminderPrompt(name string, count int) string {
	return fmt.Sprintf("Create %d motivational message for one of your clients named %s, that keeps them in good spirits during their IVF process. It could just be some kind words, some words of empathy, just anything to let them know to not give up and keep going, and keep staying positive.\n Then wish them a great rest of the day.\nReturn JSON: {\"messages\": string[]}", count, name)
}

func journalPrompt(role string) string {
	return role + `
Today we want to do a morning gratitude journal exercise with the client. For this exercise, the client should complete the following 4 sentences:
1. Today I am feeling…
2. Today I am going to… (what are you going to do for your mental health)
3. Today I am looking forward to…
4. My affirmation today…
You want to gather the information step by step, one question at a time. If the client struggles to provide clear answers, you want to help him/her with supporting questions. For example, if the client can not come up with an affirmation, you want to provide them with examples they can choose from. But you should keep focus on answering thoses sentences. This sentences should be positive other wise you should ask the client to rephrase them.
Return JSON: {"newMessageForUser": string, "isDone": boolean, "sentences": string[]}`
}
