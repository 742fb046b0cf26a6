package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// DefaultLessonPrompt is the built-in lesson used when LESSON_PROMPT is not
// set. Lesson content is an opaque blob as far as the pipeline is concerned.
const DefaultLessonPrompt = `You are a friendly and encouraging Russian language tutor named Anya.

## Current Lesson: Basic Greetings

Teach the student these Russian greetings through natural conversation:

1. Привет (Privet) - Hi / Hello (informal)
2. Здравствуйте (Zdravstvuyte) - Hello (formal)
3. Как дела? (Kak dela?) - How are you?
4. Хорошо, спасибо (Khorosho, spasibo) - Good, thank you
5. Меня зовут... (Menya zovut...) - My name is...
6. Очень приятно (Ochen' priyatno) - Nice to meet you
7. До свидания (Do svidaniya) - Goodbye
8. Пока (Poka) - Bye (informal)

## Instructions

- Speak primarily in English, introducing Russian phrases one at a time
- After introducing a phrase, ask the student to repeat it
- Give gentle pronunciation tips using transliteration
- Be patient and encouraging - celebrate small wins
- Keep responses concise (2-3 sentences max) since this is a voice conversation
- Start by greeting the student and introducing yourself
- Progress naturally through the phrases based on the student's pace
`

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	AuthToken   string
	StaticDir   string

	RoomsAPIURL string
	RoomsAPIKey string

	OpenAIKey   string
	OpenAIModel string

	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	TTSProvider       string

	SessionExpirySeconds int
	LessonPrompt         string
	AgentName            string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	roomsURL := os.Getenv("ROOMS_API_URL")
	if roomsURL == "" {
		roomsURL = "https://api.daily.co/v1"
	}
	roomsKey := os.Getenv("ROOMS_API_KEY")
	if roomsKey == "" {
		log.Println("Warning: ROOMS_API_KEY not set - session provisioning will not work")
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	if openAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - generation will not work")
	}
	openAIModel := os.Getenv("OPENAI_MODEL")
	if openAIModel == "" {
		openAIModel = "gpt-5-mini"
	}

	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - transcription and TTS will not work")
	}
	voiceID := os.Getenv("ELEVENLABS_VOICE_ID")

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	ttsProvider := os.Getenv("TTS_PROVIDER")
	if ttsProvider == "" {
		ttsProvider = "elevenlabs"
	}

	expiry := 3600
	if v := os.Getenv("SESSION_EXPIRY_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("Warning: invalid SESSION_EXPIRY_SECONDS=%q, using default", v)
		} else {
			expiry = n
		}
	}

	lesson := os.Getenv("LESSON_PROMPT")
	if lesson == "" {
		lesson = DefaultLessonPrompt
	}

	agentName := os.Getenv("AGENT_NAME")
	if agentName == "" {
		agentName = "Anya"
	}

	staticDir := os.Getenv("STATIC_DIR")
	if staticDir == "" {
		staticDir = "static"
	}

	log.Printf("config: HTTP_ADDRESS=%s rooms=%s model=%s tts=%s expiry=%ds", addr, roomsURL, openAIModel, ttsProvider, expiry)
	return Config{
		HTTPAddress:          addr,
		AuthToken:            os.Getenv("AUTH_TOKEN"),
		StaticDir:            staticDir,
		RoomsAPIURL:          roomsURL,
		RoomsAPIKey:          roomsKey,
		OpenAIKey:            openAIKey,
		OpenAIModel:          openAIModel,
		ElevenLabsKey:        elevenKey,
		ElevenLabsVoiceID:    voiceID,
		DeepgramKey:          deepgramKey,
		TTSProvider:          ttsProvider,
		SessionExpirySeconds: expiry,
		LessonPrompt:         lesson,
		AgentName:            agentName,
	}
}
