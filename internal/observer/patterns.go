package observer

import "regexp"

// pattern pairs a compiled regex with the signal it produces.
type pattern struct {
	re     *regexp.Regexp
	signal Signal
}

// signalPatterns holds the per-category tables, scanned in order. The first
// match per category drives guidance; all matches land in the analysis.
var signalPatterns = map[Category][]pattern{
	CategorySafety: {
		{regexp.MustCompile(`(?i)\b(help me|emergency|call (911|an ambulance)|i('m| am) (hurt|bleeding|stuck|trapped))\b`),
			Signal{Name: "urgent_danger", Severity: SeverityHigh}},
		{regexp.MustCompile(`(?i)\b(fire|smoke|burning smell|gas smell|smell gas)\b`),
			Signal{Name: "fire_hazard", Severity: SeverityHigh}},
		{regexp.MustCompile(`(?i)\b(someone (at|in) the (house|door)|stranger|broke in|break.?in|prowler)\b`),
			Signal{Name: "intruder", Severity: SeverityHigh}},
		{regexp.MustCompile(`(?i)\b(left the (stove|oven|burner) on|door('s| is| was) unlocked|lost my keys)\b`),
			Signal{Name: "home_hazard", Severity: SeverityMedium}},
		{regexp.MustCompile(`(?i)\b(scam|suspicious (call|email|letter)|asked (me )?for my (bank|card|social security))\b`),
			Signal{Name: "possible_scam", Severity: SeverityMedium}},
	},
	CategoryHealth: {
		{regexp.MustCompile(`(?i)\b(chest pain|can('t|not) breathe|trouble breathing|heart (racing|pounding))\b`),
			Signal{Name: "acute_symptom", Severity: SeverityHigh}},
		{regexp.MustCompile(`(?i)\b(i fell|had a fall|fell (down|over)|passed out|fainted|blacked out)\b`),
			Signal{Name: "fall", Severity: SeverityHigh}},
		{regexp.MustCompile(`(?i)\b(dizzy|light.?headed|numb|confused lately|memory('s| is) (going|getting worse))\b`),
			Signal{Name: "concerning_symptom", Severity: SeverityMedium}},
		{regexp.MustCompile(`(?i)\b(pain|hurts?|aching|ache|sore|swollen)\b`),
			Signal{Name: "pain_mention", Severity: SeverityMedium}},
		{regexp.MustCompile(`(?i)\b(didn('t|n't| not) sleep|trouble sleeping|no appetite|haven('t|n't) (been )?eating)\b`),
			Signal{Name: "wellbeing_change", Severity: SeverityMedium}},
		{regexp.MustCompile(`(?i)\b(doctor|appointment|prescription|pills?|medication|blood pressure)\b`),
			Signal{Name: "health_mention", Severity: SeverityLow}},
		{regexp.MustCompile(`(?i)\b(tired|worn out|exhausted)\b`),
			Signal{Name: "fatigue", Severity: SeverityLow}},
	},
	CategoryEmotion: {
		{regexp.MustCompile(`(?i)\b(so (lonely|alone)|nobody (calls|visits|cares)|cry(ing)?|cried|want to give up|what('s| is) the point)\b`),
			Signal{Name: "distress", Valence: ValenceNegative, Intensity: IntensityHigh}},
		{regexp.MustCompile(`(?i)\b(lonely|depressed|miserable|heartbroken|grieving)\b`),
			Signal{Name: "sadness", Valence: ValenceNegative, Intensity: IntensityHigh}},
		{regexp.MustCompile(`(?i)\b(sad|down|blue|miss (him|her|them)|missing)\b`),
			Signal{Name: "sadness", Valence: ValenceNegative, Intensity: IntensityMedium}},
		{regexp.MustCompile(`(?i)\b(worried|anxious|nervous|scared|afraid|frightened)\b`),
			Signal{Name: "anxiety", Valence: ValenceNegative, Intensity: IntensityMedium}},
		{regexp.MustCompile(`(?i)\b(frustrated|annoyed|fed up|upset)\b`),
			Signal{Name: "frustration", Valence: ValenceNegative, Intensity: IntensityLow}},
		{regexp.MustCompile(`(?i)\b(wonderful|delighted|thrilled|over the moon|so happy|best day)\b`),
			Signal{Name: "joy", Valence: ValencePositive, Intensity: IntensityHigh}},
		{regexp.MustCompile(`(?i)\b(happy|glad|pleased|lovely|nice time|enjoyed)\b`),
			Signal{Name: "contentment", Valence: ValencePositive, Intensity: IntensityMedium}},
	},
	CategoryFamily: {
		{regexp.MustCompile(`(?i)\b(grand(son|daughter|child|children|kids)|great.grand)\b`),
			Signal{Name: "grandchildren"}},
		{regexp.MustCompile(`(?i)\b(daughter|son|my kids|my children)\b`),
			Signal{Name: "children"}},
		{regexp.MustCompile(`(?i)\b(husband|wife|my late)\b`),
			Signal{Name: "spouse"}},
		{regexp.MustCompile(`(?i)\b(sister|brother|niece|nephew|cousin)\b`),
			Signal{Name: "relatives"}},
	},
	CategorySocial: {
		{regexp.MustCompile(`(?i)\b(visit(ed|ing)?|came (by|over)|stopped by|dropped in)\b`),
			Signal{Name: "visit"}},
		{regexp.MustCompile(`(?i)\b(called me|phoned|talked (to|with)|spoke (to|with)|chat(ted)? with)\b`),
			Signal{Name: "conversation"}},
		{regexp.MustCompile(`(?i)\b(my (friend|neighbou?r)|the ladies|the girls|the fellows)\b`),
			Signal{Name: "friends"}},
	},
	CategoryActivity: {
		{regexp.MustCompile(`(?i)\b(garden(ing)?|planted|weeding|flowers|tomatoes)\b`),
			Signal{Name: "gardening"}},
		{regexp.MustCompile(`(?i)\b(walk(ed|ing)?|stroll|exercise|stretching)\b`),
			Signal{Name: "exercise"}},
		{regexp.MustCompile(`(?i)\b(cook(ed|ing)?|baked|baking|made (dinner|lunch|soup|bread))\b`),
			Signal{Name: "cooking"}},
		{regexp.MustCompile(`(?i)\b(church|service|choir|bingo|bridge club|book club|knitting|crochet)\b`),
			Signal{Name: "community"}},
		{regexp.MustCompile(`(?i)\b(reading|my book|crossword|puzzle|watch(ed|ing)? (tv|television|the game))\b`),
			Signal{Name: "pastime"}},
	},
	CategoryTime: {
		{regexp.MustCompile(`(?i)\b(this (morning|afternoon|evening)|today|tonight)\b`),
			Signal{Name: "today"}},
		{regexp.MustCompile(`(?i)\b(yesterday|last (night|week|weekend|sunday|month))\b`),
			Signal{Name: "recent_past"}},
		{regexp.MustCompile(`(?i)\b(tomorrow|next (week|month|sunday)|on (mon|tues|wednes|thurs|fri|satur|sun)day|coming up)\b`),
			Signal{Name: "upcoming"}},
	},
	CategoryEnvironment: {
		{regexp.MustCompile(`(?i)\b(rain(ing|ed)?|snow(ing|ed)?|storm|icy|ice on|slippery)\b`),
			Signal{Name: "bad_weather"}},
		{regexp.MustCompile(`(?i)\b(sunny|beautiful (day|out|outside)|warm out|lovely weather)\b`),
			Signal{Name: "good_weather"}},
		{regexp.MustCompile(`(?i)\b(too (hot|cold) in (here|the house)|heating|air condition|furnace|power('s| is| went) out)\b`),
			Signal{Name: "home_comfort"}},
	},
	CategoryMemory: {
		{regexp.MustCompile(`(?i)\b(when i was (young|a (girl|boy|child))|back in (my day|the day)|growing up|as a child|in those days)\b`),
			Signal{Name: "childhood"}},
		{regexp.MustCompile(`(?i)\b(remember when|i remember|reminds me of|used to|years ago|the old days)\b`),
			Signal{Name: "reminiscing"}},
	},
}

// guidancePriority is the fixed category order for assembling the guidance
// string. At most the first signal per category contributes a line.
var guidancePriority = []Category{
	CategorySafety,
	CategoryHealth,
	CategoryEmotion,
	CategoryFamily,
	CategoryActivity,
	CategoryMemory,
}

var (
	// Engagement cues. Anything unmatched reads as normal.
	lowEngagementRe  = regexp.MustCompile(`(?i)^\s*(yeah|yes|no|okay|ok|fine|sure|i guess|mhm+|uh.?huh|not much|nothing( much)?|i suppose|alright)\.?\s*$`)
	highEngagementRe = regexp.MustCompile(`(?i)\b(tell me more|really\?|oh my|how (exciting|wonderful)|i('d| would) love to|that('s| is) (wonderful|amazing|fascinating))\b|!`)

	// Goodbye cues, graded.
	strongGoodbyeRe = regexp.MustCompile(`(?i)\b(good.?bye|bye.?bye|\bbye\b|good night|gotta go|(i )?have to go|i('ll| will) let you go|talk (to )?you (later|soon|tomorrow)|have a good (one|day|night|evening))\b`)
	weakGoodbyeRe   = regexp.MustCompile(`(?i)\b(take care|see you|alright then|okay then|well,? anyway|i should (get going|go soon))\b`)

	// Web-search cues.
	webSearchRe = regexp.MustCompile(`(?i)\b(the news|in the news|what('s| is) happening|did you hear about|who won|the (score|game last)|weather (forecast|tomorrow|this week)|headlines)\b`)

	// Question heuristics beyond the trailing question mark.
	questionStartRe = regexp.MustCompile(`(?i)^\s*(what|where|when|who|why|how|is|are|was|were|do|does|did|can|could|will|would|should|have you|has)\b`)

	// Reminder acknowledgment, direct (confidence 0.8) and hedged (0.6).
	ackConfirmedRe = regexp.MustCompile(`(?i)\b(already (took|did|had)|just took|i took (it|them|my)|took (it|them) (this morning|earlier|already)|(it's|that's|all) done|i did( it| that)?( already)?)\b`)
	ackDirectRe    = regexp.MustCompile(`(?i)\b(i('ll| will) take (it|them|that)( (now|right now))?|taking (it|them) now|okay,? i('ll| will)|will do|right away|doing (it|that) now)\b`)
	ackHedgedRe    = regexp.MustCompile(`(?i)\b(i('ll| will) (try|get to it)|in a (bit|minute|while)|later|after (lunch|dinner|breakfast|my show)|maybe|probably|i think so|soon|when i get a chance)\b`)
)
