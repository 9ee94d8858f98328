package prompts

// ============================================================================
// Analysis Prompts (multimodal model)
// ============================================================================

// AnalysisSystemPrompt frames every analysis call: the output is embedded and matched
// against free-text search queries.
const AnalysisSystemPrompt = `You describe media files so they can be found later by natural-language search.
Your description is converted to a vector and matched against what a person might type to find the file.
Write one plain paragraph of 60 to 200 words. Do not use lists, numbering or headings.
Never say that you are an AI or that you cannot see the file.`

// ImageUserPrompt asks for a searchable description of a single image.
const ImageUserPrompt = `Analyze this image and provide a detailed description that would help someone find it through text search.

Include:
- Main subjects (people, animals, objects)
- Actions or activities
- Setting/location
- Mood or atmosphere
- Notable colors or visual elements
- Any text visible in the image

Be specific and descriptive, using natural language that someone might use to search for this image.`

// VideoUserPrompt asks for a searchable description of a whole video.
const VideoUserPrompt = `Analyze this video and provide a comprehensive description.

Include:
- Main subjects and their actions throughout the video
- Changes or progression over time
- Setting/location
- Overall theme or story
- Any text or important visual elements
- Mood or atmosphere

Describe it as a cohesive video, not individual frames. Be specific and use natural language that someone might use to search for this video.`
